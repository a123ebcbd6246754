package realtime

import (
	"testing"
	"time"

	"boardsync/domain"
)

func testEvent(resourceID, id string) domain.Event {
	return domain.Event{
		ID:         id,
		ResourceID: resourceID,
		Type:       domain.ItemUpdated,
		Time:       time.Now().UnixMilli(),
	}
}

func recvEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func assertNoEvent(t *testing.T, ch <-chan domain.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastPreservesRoomOrder(t *testing.T) {
	hub := NewHub(nil, 0)
	ch := hub.Join("client-1", "order-1")

	for _, id := range []string{"e1", "e2", "e3"} {
		hub.Broadcast("order-1", testEvent("order-1", id))
	}
	for _, want := range []string{"e1", "e2", "e3"} {
		if got := recvEvent(t, ch).ID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestBroadcastReachesAllMembersExceptExcluded(t *testing.T) {
	hub := NewHub(nil, 0)
	chA := hub.Join("client-a", "order-1")
	chB := hub.Join("client-b", "order-1")

	hub.Broadcast("order-1", testEvent("order-1", "e1"), "client-a")
	assertNoEvent(t, chA)
	if got := recvEvent(t, chB).ID; got != "e1" {
		t.Fatalf("expected e1, got %s", got)
	}

	hub.Broadcast("order-1", testEvent("order-1", "e2"))
	if got := recvEvent(t, chA).ID; got != "e2" {
		t.Fatalf("expected e2, got %s", got)
	}
	if got := recvEvent(t, chB).ID; got != "e2" {
		t.Fatalf("expected e2, got %s", got)
	}
}

func TestBroadcastIsolatesRooms(t *testing.T) {
	hub := NewHub(nil, 0)
	ch1 := hub.Join("client-1", "order-1")
	ch2 := hub.Join("client-2", "order-2")

	hub.Broadcast("order-1", testEvent("order-1", "e1"))
	if got := recvEvent(t, ch1).ID; got != "e1" {
		t.Fatalf("expected e1, got %s", got)
	}
	assertNoEvent(t, ch2)
}

func TestBroadcastDropsCrossResourceEvent(t *testing.T) {
	hub := NewHub(nil, 0)
	ch := hub.Join("client-1", "order-1")

	// Event tagged for another resource must never reach this room.
	hub.Broadcast("order-1", testEvent("order-2", "leak"))
	assertNoEvent(t, ch)
}

func TestLeaveClosesChannel(t *testing.T) {
	hub := NewHub(nil, 0)
	ch := hub.Join("client-1", "order-1")
	hub.Leave("client-1", "order-1")

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after leave")
	}
	if members := hub.Members("order-1"); len(members) != 0 {
		t.Fatalf("expected empty room, got %v", members)
	}
}

func TestLeaveAllRemovesFromEveryRoom(t *testing.T) {
	hub := NewHub(nil, 0)
	hub.Join("client-1", "order-1")
	hub.Join("client-1", "order-2")
	hub.Join("client-2", "order-1")

	hub.LeaveAll("client-1")
	if members := hub.Members("order-1"); len(members) != 1 || members[0] != "client-2" {
		t.Fatalf("expected only client-2 in order-1, got %v", members)
	}
	if members := hub.Members("order-2"); len(members) != 0 {
		t.Fatalf("expected empty order-2 room, got %v", members)
	}
}

func TestRejoinReplacesSubscription(t *testing.T) {
	hub := NewHub(nil, 0)
	old := hub.Join("client-1", "order-1")
	fresh := hub.Join("client-1", "order-1")

	if _, open := <-old; open {
		t.Fatal("old channel should be closed on rejoin")
	}
	hub.Broadcast("order-1", testEvent("order-1", "e1"))
	if got := recvEvent(t, fresh).ID; got != "e1" {
		t.Fatalf("expected e1 on fresh channel, got %s", got)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := NewHub(nil, 1)
	slow := hub.Join("slow", "order-1")
	fast := hub.Join("fast", "order-1")

	hub.Broadcast("order-1", testEvent("order-1", "e1"))
	// Second broadcast overflows the slow member's buffer of one.
	hub.Broadcast("order-1", testEvent("order-1", "e2"))

	if got := recvEvent(t, slow).ID; got != "e1" {
		t.Fatalf("expected e1, got %s", got)
	}
	if _, open := <-slow; open {
		t.Fatal("slow subscriber channel should be closed after drop")
	}
	if members := hub.Members("order-1"); len(members) != 1 || members[0] != "fast" {
		t.Fatalf("expected only fast member left, got %v", members)
	}

	if got := recvEvent(t, fast).ID; got != "e1" {
		t.Fatalf("expected e1, got %s", got)
	}
	if got := recvEvent(t, fast).ID; got != "e2" {
		t.Fatalf("expected e2, got %s", got)
	}
}
