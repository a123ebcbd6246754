package realtime

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const defaultBuffer = 64

// Hub partitions subscribers into per-resource rooms and fans out events to
// every member. Broadcasts for one room are serialized, so every member sees
// that room's events in broadcast order. No cross-room ordering is promised.
type Hub struct {
	log    *log.Logger
	buffer int

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	members map[string]chan domain.Event
	order   []string
}

func NewHub(logger *log.Logger, buffer int) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{log: logger, buffer: buffer, rooms: make(map[string]*room)}
}

// Join subscribes a client to a resource room and returns its event channel.
// Joining a room the client is already in replaces the old subscription; a
// client may belong to any number of rooms at once.
func (h *Hub) Join(clientID, resourceID string) <-chan domain.Event {
	h.mu.Lock()
	r, ok := h.rooms[resourceID]
	if !ok {
		r = &room{members: make(map[string]chan domain.Event)}
		h.rooms[resourceID] = r
	}
	h.mu.Unlock()

	ch := make(chan domain.Event, h.buffer)
	r.mu.Lock()
	if old, exists := r.members[clientID]; exists {
		close(old)
	} else {
		r.order = append(r.order, clientID)
	}
	r.members[clientID] = ch
	r.mu.Unlock()
	return ch
}

// Leave unsubscribes a client from one room and closes its channel.
func (h *Hub) Leave(clientID, resourceID string) {
	h.mu.Lock()
	r, ok := h.rooms[resourceID]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if ch, exists := r.members[clientID]; exists {
		close(ch)
		delete(r.members, clientID)
		for i, id := range r.order {
			if id == clientID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
}

// LeaveAll removes a client from every room, used on connection loss.
func (h *Hub) LeaveAll(clientID string) {
	h.mu.Lock()
	resources := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		resources = append(resources, id)
	}
	h.mu.Unlock()
	for _, id := range resources {
		h.Leave(clientID, id)
	}
}

// Members reports the client ids currently joined to a room, in join order.
func (h *Hub) Members(resourceID string) []string {
	h.mu.Lock()
	r, ok := h.rooms[resourceID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	out := append([]string(nil), r.order...)
	r.mu.Unlock()
	return out
}

// Broadcast delivers an event to every member of the room except the listed
// exclusions. Exclusion is an optimization for origin clients that already
// applied the change optimistically; delivery everywhere else stays ordered
// and at-least-once. A member whose buffer is full is dropped from the room
// and must resync on rejoin.
func (h *Hub) Broadcast(resourceID string, ev domain.Event, excludeClientIDs ...string) {
	if ev.ResourceID == "" {
		ev.ResourceID = resourceID
	}
	if ev.ResourceID != resourceID {
		// An event must never leak outside the room of its resource.
		h.log.WithFields(log.Fields{"room": resourceID, "event_resource": ev.ResourceID, "type": ev.Type}).
			Error("dropping cross-resource event")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[resourceID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var excluded map[string]struct{}
	if len(excludeClientIDs) > 0 {
		excluded = make(map[string]struct{}, len(excludeClientIDs))
		for _, id := range excludeClientIDs {
			excluded[id] = struct{}{}
		}
	}

	r.mu.Lock()
	var stalled []string
	for _, clientID := range r.order {
		if _, skip := excluded[clientID]; skip {
			continue
		}
		ch := r.members[clientID]
		select {
		case ch <- ev:
		default:
			stalled = append(stalled, clientID)
		}
	}
	for _, clientID := range stalled {
		close(r.members[clientID])
		delete(r.members, clientID)
		for i, id := range r.order {
			if id == clientID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		h.log.WithFields(log.Fields{"room": resourceID, "client": clientID}).
			Warn("slow subscriber dropped, client must resync on rejoin")
	}
	r.mu.Unlock()
}
