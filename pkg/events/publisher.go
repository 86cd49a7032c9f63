package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/pkg/models"
)

// Publisher stamps identity onto events and logs and delivers them to both
// the live bus and the persistence buffer. A nil buffer (tests) skips
// persistence.
type Publisher struct {
	buildID string
	agent   string
	bus     *Bus
	buffer  *Buffer
}

// NewPublisher creates a publisher for one build.
func NewPublisher(buildID string, bus *Bus, buffer *Buffer) *Publisher {
	return &Publisher{buildID: buildID, bus: bus, buffer: buffer}
}

// WithAgent returns a publisher that tags events with a subagent label.
func (p *Publisher) WithAgent(agent string) *Publisher {
	copied := *p
	copied.agent = agent
	return &copied
}

// Event fills in id, build id, timestamp, and agent tag, then publishes.
// The stamped event is returned for callers that track what was emitted.
func (p *Publisher) Event(ev models.Event) models.Event {
	ev.ID = uuid.NewString()
	ev.BuildID = p.buildID
	ev.Timestamp = time.Now().UTC()
	if ev.Agent == "" {
		ev.Agent = p.agent
	}
	p.bus.PublishEvent(ev)
	if p.buffer != nil {
		p.buffer.AddEvent(ev)
	}
	return ev
}

// Log publishes one log line.
func (p *Publisher) Log(level models.LogLevel, message string) {
	entry := models.LogEntry{
		ID:        uuid.NewString(),
		BuildID:   p.buildID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	p.bus.PublishLog(entry)
	if p.buffer != nil {
		p.buffer.AddLog(entry)
	}
}
