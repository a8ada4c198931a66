package processor

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event represents a processor lifecycle event.
// Minimal and stable: name plus identifiers and optional fields.
type Event struct {
	Name      string
	RequestID string
	ModelID   string
	DeviceID  string
	Fields    map[string]any
}

// EventPublisher receives events from the processor. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// LogPublisher writes events to a logger at debug level.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Debug().Str("event", e.Name)
	if e.RequestID != "" {
		ev = ev.Str("request_id", e.RequestID)
	}
	if e.ModelID != "" {
		ev = ev.Str("model", e.ModelID)
	}
	if e.DeviceID != "" {
		ev = ev.Str("device", e.DeviceID)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("event")
}
