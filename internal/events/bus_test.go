package events

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus(testLogger())

	var got []Event
	bus.Subscribe([]string{TypeCombatEvent}, func(evt Event) {
		got = append(got, evt)
	}, false)

	bus.Emit(TypeCombatEvent, "first")
	bus.Emit(TypeBotStatus, "ignored")
	bus.Emit(TypeCombatEvent, "second")

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Data != "first" || got[1].Data != "second" {
		t.Errorf("unexpected payloads: %v", got)
	}
}

func TestSubscribeEmptyFilterMatchesAll(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	bus.Subscribe(nil, func(Event) { count++ }, false)

	bus.Emit(TypeCombatEvent, nil)
	bus.Emit(TypeBotStatus, nil)
	bus.Emit("custom_type", nil)

	if count != 3 {
		t.Errorf("expected 3 deliveries, got %d", count)
	}
}

func TestOnceSubscriberFiresOnce(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	bus.Subscribe([]string{TypeBotSpawned}, func(Event) { count++ }, true)

	bus.Emit(TypeBotSpawned, nil)
	bus.Emit(TypeBotSpawned, nil)

	if count != 1 {
		t.Errorf("once subscriber fired %d times", count)
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers after once fired, got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	unsub := bus.Subscribe(nil, func(Event) { count++ }, false)

	bus.Emit(TypeBotStatus, nil)
	unsub()
	bus.Emit(TypeBotStatus, nil)

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}

	// A second call must be a no-op.
	unsub()
}

func TestHandlerPanicDoesNotAffectOthers(t *testing.T) {
	bus := NewBus(testLogger())

	bus.Subscribe(nil, func(Event) { panic("boom") }, false)

	delivered := false
	bus.Subscribe(nil, func(Event) { delivered = true }, false)

	bus.Emit(TypeCombatEvent, nil)

	if !delivered {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestPublishStampsTime(t *testing.T) {
	bus := NewBus(testLogger())

	var at time.Time
	bus.Subscribe(nil, func(evt Event) { at = evt.At }, false)

	bus.Publish(Event{Type: TypeBotStatus})

	if at.IsZero() {
		t.Error("expected publish to stamp event time")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	var mu sync.Mutex
	count := 0
	bus.Subscribe([]string{TypeCombatEvent}, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Emit(TypeCombatEvent, j)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 200 {
		t.Errorf("expected 200 deliveries, got %d", count)
	}
}
