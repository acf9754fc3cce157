package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestBroadcaster_SubscribeAndUnsubscribe(t *testing.T) {
	var b Broadcaster[int]
	var got []int

	unsubscribe := b.Subscribe(func(v int) { got = append(got, v) })
	b.Publish(1)
	unsubscribe()
	unsubscribe()
	b.Publish(2)

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Len())
	}
}

func TestBroadcaster_OrderAndPanicIsolation(t *testing.T) {
	var b Broadcaster[string]
	var order []string

	b.Subscribe(func(v string) { order = append(order, "first:"+v) })
	b.Subscribe(func(string) { panic("boom") })
	b.Subscribe(func(v string) { order = append(order, "third:"+v) })

	b.Publish("x")

	if len(order) != 2 || order[0] != "first:x" || order[1] != "third:x" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestBroadcaster_Listen(t *testing.T) {
	var b Broadcaster[int]
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Listen(ctx, 4)
	b.Publish(7)

	select {
	case v := <-ch:
		if v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after cancel")
	}
	b.Publish(8)
}

func TestBroadcaster_UnsubscribeFromCallback(t *testing.T) {
	var b Broadcaster[int]
	var got []int

	var unsubscribe func()
	unsubscribe = b.Subscribe(func(v int) {
		got = append(got, v)
		unsubscribe()
	})
	b.Publish(1)
	b.Publish(2)

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected a single delivery, got %v", got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Len())
	}
}

func TestBroadcaster_DistinctSubscribersFromSameClosure(t *testing.T) {
	var b Broadcaster[int]
	counts := make([]int, 3)
	unsubscribes := make([]func(), 0, len(counts))
	for i := range counts {
		unsubscribes = append(unsubscribes, b.Subscribe(func(int) { counts[i]++ }))
	}

	b.Publish(1)
	unsubscribes[1]()
	b.Publish(2)

	if counts[0] != 2 || counts[1] != 1 || counts[2] != 2 {
		t.Fatalf("unexpected delivery counts: %v", counts)
	}
}

func TestBroadcaster_ChainedBroadcasters(t *testing.T) {
	var upstream Broadcaster[int]
	var downstream Broadcaster[string]
	var got []string

	downstream.Subscribe(func(s string) { got = append(got, s) })
	upstream.Subscribe(func(v int) {
		if v%2 == 0 {
			downstream.Publish("even")
		}
	})

	for i := 0; i < 4; i++ {
		upstream.Publish(i)
	}
	if len(got) != 2 {
		t.Fatalf("expected two forwarded values, got %v", got)
	}
}
