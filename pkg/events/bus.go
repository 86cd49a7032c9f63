// Package events carries build progress to live subscribers and batches it
// into durable storage. Each active build owns one Bus and one Buffer.
package events

import (
	"sync"

	"github.com/forgebuild/forge/pkg/models"
)

// Item is one bus entry, either a structured event or a log line.
type Item struct {
	Seq   int64
	Event *models.Event
	Log   *models.LogEntry
}

// subscriber headroom beyond the backlog snapshot. Live items beyond this
// are dropped for that subscriber rather than blocking publishers.
const subscriberHeadroom = 256

// subscriber is one attached stream consumer.
type subscriber struct {
	id int
	ch chan Item
}

// Bus fans build items out to SSE subscribers in registration order. New
// subscribers receive the full backlog since build start followed by live
// items, gap-free: the backlog snapshot and registration happen under one
// lock.
type Bus struct {
	mu      sync.Mutex
	seq     int64
	backlog []Item
	subs    []subscriber
	nextSub int
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// PublishEvent appends a structured event and delivers it to subscribers.
func (b *Bus) PublishEvent(ev models.Event) {
	b.publish(Item{Event: &ev})
}

// PublishLog appends a log line and delivers it to subscribers.
func (b *Bus) PublishLog(log models.LogEntry) {
	b.publish(Item{Log: &log})
}

func (b *Bus) publish(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	item.Seq = b.seq
	b.backlog = append(b.backlog, item)
	for _, sub := range b.subs {
		select {
		case sub.ch <- item:
		default:
			// Slow subscriber, drop rather than stall the build.
		}
	}
}

// Subscribe registers a subscriber. The returned channel first yields every
// item published so far, then live items. Call cancel to unsubscribe; the
// channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe() (<-chan Item, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Item, len(b.backlog)+subscriberHeadroom)
	for _, item := range b.backlog {
		ch <- item
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs = append(b.subs, subscriber{id: id, ch: ch})

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return ch, cancel
}

// Close closes all subscriber channels. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// Backlog returns a copy of the items published so far.
func (b *Bus) Backlog() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Item(nil), b.backlog...)
}
