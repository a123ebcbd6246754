package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("unable to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBridgeRelaysForeignEvents(t *testing.T) {
	rc := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA := NewHub(nil, 0)
	hubB := NewHub(nil, 0)
	bridgeA := NewBridge(rc, hubA, "board-events", nil)
	bridgeB := NewBridge(rc, hubB, "board-events", nil)

	ch := hubB.Join("client-b", "order-1")
	go bridgeB.Run(ctx)

	ev := testEvent("order-1", "e1")
	// The subscription is established asynchronously; publish until the
	// relayed event arrives.
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if got.ID != "e1" || got.ResourceID != "order-1" {
				t.Fatalf("unexpected relayed event: %+v", got)
			}
			return
		case <-tick.C:
			if err := bridgeA.Publish(ctx, ev); err != nil {
				t.Fatalf("publish: %v", err)
			}
		case <-deadline:
			t.Fatal("relayed event never arrived")
		}
	}
}

func TestBridgeIgnoresOwnEvents(t *testing.T) {
	rc := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, 0)
	bridge := NewBridge(rc, hub, "board-events", nil)
	ch := hub.Join("client-1", "order-1")
	go bridge.Run(ctx)

	// Give the subscription a moment, then publish from the same instance.
	time.Sleep(100 * time.Millisecond)
	if err := bridge.Publish(ctx, testEvent("order-1", "own")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	assertNoEvent(t, ch)
}
