package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBusDeliversByTopic(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := bus.Subscribe(ctx, PendingTopic)
	ride := bus.Subscribe(ctx, RideTopic("r1"), UserTopic("p1"))

	if err := bus.Publish(ctx, PendingTopic, Event{Type: RidePending, RideID: "r1"}); err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(ctx, UserTopic("p1"), Event{Type: RideStatus, RideID: "r1"})

	if ev := recv(t, pending); ev.Type != RidePending {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := recv(t, ride); ev.Type != RideStatus {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case ev := <-pending.C:
		t.Fatalf("pending subscriber got foreign event %+v", ev)
	default:
	}
}

func TestSubscriptionClosedOnContextEnd(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx, RideTopic("r1"))
	cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscription not torn down")
	}
	// Publishing after teardown must not panic.
	_ = bus.Publish(context.Background(), RideTopic("r1"), Event{Type: RideStatus})
	sub.Close()
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = bus.Subscribe(ctx, PendingTopic)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = bus.Publish(ctx, PendingTopic, Event{Type: RidePending})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRedisBridgeAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewBus(client, nil)
	b := NewBus(client, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	onA := a.Subscribe(ctx, RideTopic("r9"))
	onB := b.Subscribe(ctx, RideTopic("r9"))

	if err := a.Publish(ctx, RideTopic("r9"), Event{Type: RideStatus, RideID: "r9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := recv(t, onB); ev.RideID != "r9" {
		t.Fatalf("unexpected relayed event %+v", ev)
	}
	if ev := recv(t, onA); ev.RideID != "r9" {
		t.Fatalf("unexpected local event %+v", ev)
	}
	// The origin instance must not see its own event twice.
	select {
	case ev := <-onA.C:
		t.Fatalf("duplicate local delivery %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
