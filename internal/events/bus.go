package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known event types published on the bus.
const (
	TypeConnected          = "connected"
	TypeDisconnected       = "disconnected"
	TypeReconnectScheduled = "reconnect_scheduled"

	TypeCombatEvent    = "combat_event"
	TypeCombatSnapshot = "combat_snapshot"
	TypeCombatUpdate   = "combat_update"
	TypeFriendlyFire   = "friendly_fire"

	TypeBotStatus    = "bot_status"
	TypeBotSpawned   = "bot_spawned"
	TypeBotDespawned = "bot_despawned"
	TypeBotError     = "bot_error"
	TypeTaskComplete = "task_complete"
	TypeDeadLetter   = "dead_letter"

	TypeEntitySpawned = "entity_spawned"

	TypeOutcomeRecorded   = "outcome_recorded"
	TypeTaskCompleted     = "task_completed"
	TypeYieldRecorded     = "yield_recorded"
	TypeHazardEncountered = "hazard_encountered"

	TypePersistSaved  = "persist_saved"
	TypePersistLoaded = "persist_loaded"
)

// Event is a single notification published on the bus. Data carries the
// payload for the event type; consumers must treat it as read-only.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Handler consumes one event. Handlers run on the publisher's goroutine, so
// long-running work should be handed off by the subscriber.
type Handler func(Event)

type subscriber struct {
	id      string
	types   map[string]struct{} // nil matches every type
	handler Handler
	once    bool
	fired   atomic.Bool
}

func (s *subscriber) matches(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus fans events out to registered subscribers with optional type filters.
// A panicking handler is isolated from the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	order  []string
	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a handler for the given event types. An empty type
// list matches every event. When once is set the subscription is removed
// after its first delivery. The returned function unsubscribes; calling it
// more than once is safe.
func (b *Bus) Subscribe(types []string, handler Handler, once bool) func() {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		once:    once,
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.order = append(b.order, sub.id)
	b.mu.Unlock()

	return func() { b.remove(sub.id) }
}

// Publish delivers evt to every matching subscriber in registration order.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.order))
	for _, id := range b.order {
		if sub := b.subs[id]; sub != nil && sub.matches(evt.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
		}
		b.dispatch(sub, evt)
		if sub.once {
			b.remove(sub.id)
		}
	}
}

// Emit publishes a payload under the given type, stamped with the current time.
func (b *Bus) Emit(eventType string, data any) {
	b.Publish(Event{Type: eventType, At: time.Now(), Data: data})
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) dispatch(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscription", sub.id,
				"type", evt.Type,
				"panic", r,
			)
		}
	}()
	sub.handler(evt)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
