package events

import (
	"context"
	"sync"
)

// Channels
const (
	ChannelTimeline = "events:timeline"
	ChannelPayout   = "events:payout"
)

// Event types
const (
	EventTimeline          = "timeline_event"
	EventPayoutInstruction = "payout_instruction"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops every event. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }

// RecordingPublisher keeps published events in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Stream string
	Event  Event
}

func (p *RecordingPublisher) Publish(_ context.Context, stream string, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Recorded{Stream: stream, Event: event})
	return nil
}

// OfType returns the recorded events of the given type on stream.
func (p *RecordingPublisher) OfType(stream, typ string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, r := range p.events {
		if r.Stream == stream && r.Event.Type == typ {
			out = append(out, r.Event)
		}
	}
	return out
}
