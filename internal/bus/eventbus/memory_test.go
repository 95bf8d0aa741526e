package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/events"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8, FanoutWorkers: 2})
	t.Cleanup(bus.Close)
	return bus
}

func testEvent(typ events.Type) *events.Event {
	evt := events.New("home", typ, time.Now())
	evt.OrderID = "order-1"
	return evt
}

func receive(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := newTestBus(t)
	if err := bus.Publish(context.Background(), testEvent(events.TypeOrderCreated)); err != nil {
		t.Fatalf("publish with no subscribers: %v", err)
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := newTestBus(t)
	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Fatalf("nil event should be ignored, got %v", err)
	}
}

func TestPublishEmptyTypeRejected(t *testing.T) {
	bus := newTestBus(t)
	evt := testEvent("")
	err := bus.Publish(context.Background(), evt)
	if !errs.IsCode(err, errs.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestSubscribeAndReceive(t *testing.T) {
	bus := newTestBus(t)
	id, ch, err := bus.Subscribe(context.Background(), events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	if err := bus.Publish(context.Background(), testEvent(events.TypeOrderCreated)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, ch)
	if got.OrderID != "order-1" {
		t.Fatalf("unexpected order id %q", got.OrderID)
	}
	if got.Engine != "home" {
		t.Fatalf("unexpected engine %q", got.Engine)
	}
}

func TestSubscriberReceivesCopy(t *testing.T) {
	bus := newTestBus(t)
	id, ch, err := bus.Subscribe(context.Background(), events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	src := testEvent(events.TypeOrderCreated)
	if err := bus.Publish(context.Background(), src); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, ch)
	got.OrderID = "mutated"
	if src.OrderID != "order-1" {
		t.Fatalf("publisher copy mutated: %q", src.OrderID)
	}
}

func TestTypeFiltering(t *testing.T) {
	bus := newTestBus(t)
	id, ch, err := bus.Subscribe(context.Background(), events.TypeTradeCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	if err := bus.Publish(context.Background(), testEvent(events.TypeOrderCreated)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), testEvent(events.TypeTradeCreated)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, ch)
	if got.Type != events.TypeTradeCreated {
		t.Fatalf("expected trade notification, got %s", got.Type)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra notification %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := newTestBus(t)
	id, ch, err := bus.SubscribeAll(context.Background())
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer bus.Unsubscribe(id)

	types := []events.Type{events.TypeOrderCreated, events.TypeTradeCreated, events.TypeTradeReleasedBuyer}
	for _, typ := range types {
		if err := bus.Publish(context.Background(), testEvent(typ)); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	seen := make(map[events.Type]bool)
	for range types {
		seen[receive(t, ch).Type] = true
	}
	for _, typ := range types {
		if !seen[typ] {
			t.Fatalf("wildcard subscriber missed %s", typ)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	id, ch, err := bus.Subscribe(context.Background(), events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	if err := bus.Publish(context.Background(), testEvent(events.TypeOrderCreated)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestSubscriberContextCancellation(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}

func TestDropOldestOnFullBuffer(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	t.Cleanup(bus.Close)

	id, ch, err := bus.Subscribe(context.Background(), events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	first := testEvent(events.TypeOrderCreated)
	first.OrderID = "first"
	second := testEvent(events.TypeOrderCreated)
	second.OrderID = "second"

	if err := bus.Publish(context.Background(), first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := bus.Publish(context.Background(), second); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	got := receive(t, ch)
	if got.OrderID != "second" {
		t.Fatalf("expected oldest to be dropped, got %q", got.OrderID)
	}
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background(), events.TypeOrderCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after bus shutdown")
	}
}
