package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgebuild/forge/pkg/models"
)

const (
	flushThreshold = 10
	flushInterval  = 500 * time.Millisecond
)

// Sink receives flushed batches. Satisfied by the build store.
type Sink interface {
	CreateBuildEventsBatch(ctx context.Context, buildID string, events []models.Event) error
	CreateBuildLogsBatch(ctx context.Context, buildID string, logs []models.LogEntry) error
}

// Buffer batches one build's events and logs into the sink. A batch is
// flushed when it reaches flushThreshold items or on the flushInterval
// ticker, whichever comes first. Failed batches are retained and retried on
// the next flush. Close performs a final synchronous flush.
type Buffer struct {
	buildID string
	sink    Sink
	logger  *slog.Logger

	mu     sync.Mutex
	events []models.Event
	logs   []models.LogEntry

	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewBuffer creates a buffer and starts its flush worker.
func NewBuffer(buildID string, sink Sink, logger *slog.Logger) *Buffer {
	b := &Buffer{
		buildID: buildID,
		sink:    sink,
		logger:  logger.With("build_id", buildID),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b
}

// AddEvent queues an event for persistence. Each buffer hits the flush
// threshold on its own count.
func (b *Buffer) AddEvent(ev models.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	full := len(b.events) >= flushThreshold
	b.mu.Unlock()
	if full {
		b.requestFlush()
	}
}

// AddLog queues a log line for persistence.
func (b *Buffer) AddLog(log models.LogEntry) {
	b.mu.Lock()
	b.logs = append(b.logs, log)
	full := len(b.logs) >= flushThreshold
	b.mu.Unlock()
	if full {
		b.requestFlush()
	}
}

func (b *Buffer) requestFlush() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Close stops the worker and flushes whatever remains.
func (b *Buffer) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

func (b *Buffer) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		case <-b.stopCh:
			b.flush()
			return
		}
	}
}

func (b *Buffer) flush() {
	b.mu.Lock()
	events := b.events
	logs := b.logs
	b.events = nil
	b.logs = nil
	b.mu.Unlock()

	if len(events) == 0 && len(logs) == 0 {
		return
	}

	// Flushes survive build cancellation; storage gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(events) > 0 {
		if err := b.sink.CreateBuildEventsBatch(ctx, b.buildID, events); err != nil {
			b.logger.Warn("event batch flush failed, retrying next flush", "error", err, "count", len(events))
			b.mu.Lock()
			b.events = append(events, b.events...)
			b.mu.Unlock()
		}
	}
	if len(logs) > 0 {
		if err := b.sink.CreateBuildLogsBatch(ctx, b.buildID, logs); err != nil {
			b.logger.Warn("log batch flush failed, retrying next flush", "error", err, "count", len(logs))
			b.mu.Lock()
			b.logs = append(logs, b.logs...)
			b.mu.Unlock()
		}
	}
}
