package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fabric/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTaskSubmitted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Publish(context.Background(), newEvent(domain.EventAgentSpawned))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventKpiReported, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventKpiReported))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsub, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics; the second must still fire.
	bus.Subscribe(domain.EventAgentEvicted, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventAgentEvicted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentEvicted))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Close() // idempotent

	if got.Load() != 0 {
		t.Fatalf("expected 0 after close, got %d", got.Load())
	}
}
