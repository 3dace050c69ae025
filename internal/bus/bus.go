// Package bus provides the async event bus for session lifecycle and relay events.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a session event.
type EventType string

const (
	EventStarting       EventType = "session.starting"
	EventQR             EventType = "session.qr"
	EventConnected      EventType = "session.connected"
	EventDisconnected   EventType = "session.disconnected"
	EventLoggedOut      EventType = "session.logged_out"
	EventReset          EventType = "session.reset"
	EventError          EventType = "session.error"
	EventMessageRelayed EventType = "message.relayed"
	EventMessageFailed  EventType = "message.failed"
	EventMessageIgnored EventType = "message.ignored"
)

// SessionEvent is one lifecycle or relay event for an assistant.
type SessionEvent struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	Type        EventType `json:"type"`
	Status      string    `json:"status,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher accepts session events.
type Publisher interface {
	Publish(ev SessionEvent)
}

// EventBus fans events out to subscribers on a single dispatch goroutine,
// so each subscriber sees events in publish order.
type EventBus struct {
	events  chan SessionEvent
	subs    []subscriber
	dropped atomic.Int64
	mu      sync.RWMutex
}

type subscriber struct {
	name string
	fn   func(SessionEvent)
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventBus{events: make(chan SessionEvent, buffer)}
}

// Publish enqueues ev without blocking. When the buffer is full the event is
// dropped; session progress never waits on observers.
func (b *EventBus) Publish(ev SessionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("Bus: event buffer full, dropping events", "dropped", n, "type", ev.Type)
		}
	}
}

// Subscribe registers a named callback. Subscribe before Run.
func (b *EventBus) Subscribe(name string, fn func(SessionEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscriber{name: name, fn: fn})
}

// Run dispatches events until ctx is cancelled, then drains what is buffered.
// This should be run as a goroutine.
func (b *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.events:
					b.dispatch(ev)
				default:
					return ctx.Err()
				}
			}
		case ev := <-b.events:
			b.dispatch(ev)
		}
	}
}

func (b *EventBus) dispatch(ev SessionEvent) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Bus: subscriber panicked", "subscriber", s.name, "panic", r)
				}
			}()
			s.fn(ev)
		}()
	}
}

// Pending returns the number of buffered events.
func (b *EventBus) Pending() int {
	return len(b.events)
}

// Dropped returns how many events were dropped because the buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
