package events

import (
	"sync"
	"time"

	"github.com/tillsync/tillsync/internal/models"
)

// EventType names a lifecycle notification.
type EventType string

const (
	// Sync session lifecycle.
	EventChange   EventType = "change"
	EventActive   EventType = "active"
	EventPaused   EventType = "paused"
	EventError    EventType = "error"
	EventDenied   EventType = "denied"
	EventComplete EventType = "complete"

	// Connectivity transitions.
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event is a lifecycle notification carrying the entity type it concerns and
// a payload describing what happened.
type Event struct {
	Type      EventType
	Entity    models.EntityType
	Timestamp time.Time

	// Payload. Docs counts documents transferred by the emitting exchange,
	// Pending counts documents still waiting locally.
	Docs    int
	Pending int
	Err     error
}

// Bus is a typed publish/subscribe hub for lifecycle events. Subscribers get
// buffered channels; a slow subscriber drops events rather than blocking the
// emitter, since sync must never stall on observers.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	types map[EventType]bool // nil means all
	ch    chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers interest in the given event types (all types when none
// are given). The returned cancel function closes the channel and must be
// called exactly once.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, 64)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. Never blocks.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop.
		}
	}
}
