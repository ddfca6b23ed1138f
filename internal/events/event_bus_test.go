package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPublishOrderPreserved(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var got []events.EventType
	done := make(chan struct{})

	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e.Type)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	bus.Publish(events.OrderPlaced("b1", "l1", "e1", "grid_buy", "buy", decimal.NewFromInt(95), decimal.NewFromInt(1)))
	bus.Publish(events.OrderFilled("b1", "l1", "e1", decimal.NewFromInt(95), decimal.NewFromInt(1), nil))
	bus.Publish(events.DealClosed("b1", "d1", "trailing_stop", decimal.NewFromInt(5), decimal.NewFromFloat(0.05)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []events.EventType{events.EventOrderPlaced, events.EventOrderFilled, events.EventDealClosed}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("delivery %d = %s, want %s", i, got[i], w)
		}
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	defer bus.Stop()

	fills := make(chan events.Event, 10)
	bus.Subscribe(func(e events.Event) { fills <- e }, events.EventOrderFilled)

	bus.Publish(events.OrderCancelled("b1", "l9"))
	bus.Publish(events.OrderFilled("b1", "l1", "e1", decimal.NewFromInt(100), decimal.NewFromInt(1), nil))

	select {
	case e := <-fills:
		if e.Type != events.EventOrderFilled {
			t.Errorf("got %s, want order_filled", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fill event")
	}

	select {
	case e := <-fills:
		t.Errorf("unexpected extra delivery: %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJournalKeepsBoundedTail(t *testing.T) {
	cfg := events.DefaultBusConfig()
	cfg.JournalSize = 5
	bus := events.NewBus(zap.NewNop(), cfg)
	defer bus.Stop()

	for i := 0; i < 12; i++ {
		bus.Publish(events.OrderCancelled("b1", "l"))
	}

	// Wait for the dispatcher to drain.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.Journal("b1")) == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(bus.Journal("b1")); got != 5 {
		t.Errorf("journal length = %d, want 5", got)
	}
}
