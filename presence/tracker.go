package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// WarnDismissAfter is how long a conflict advisory stays visible before
// auto-dismissing; repeated warnings for the same pair inside this window are
// coalesced.
const WarnDismissAfter = 5 * time.Second

const defaultCursorInterval = 100 * time.Millisecond

// Broadcaster fans an event out to a resource room.
type Broadcaster interface {
	Broadcast(resourceID string, ev domain.Event, excludeClientIDs ...string)
}

// ConflictFunc surfaces a non-blocking advisory to targetUserID: otherUserID
// is editing the same field. It never blocks or fails a mutation.
type ConflictFunc func(resourceID, field, otherUserID, targetUserID string)

// Record is the ephemeral presence of one user on one resource. It is never
// persisted; a process restart clears all presence.
type Record struct {
	UserID       string    `json:"userId"`
	ResourceID   string    `json:"resourceId"`
	Field        string    `json:"field,omitempty"`
	CursorLine   int       `json:"cursorLine,omitempty"`
	CursorColumn int       `json:"cursorColumn,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// member is one user's room membership. Several connections of the same user
// (browser tabs) share one record; the record lives until the last one leaves.
type member struct {
	rec   Record
	conns int
}

// Tracker keeps per-resource presence and emits join/leave, field-focus and
// cursor events. Each user only ever writes its own record, so there is no
// cross-client write contention.
type Tracker struct {
	bc             Broadcaster
	onConflict     ConflictFunc
	log            *log.Logger
	now            func() time.Time
	cursorInterval time.Duration

	mu         sync.Mutex
	rooms      map[string]map[string]*member // resource -> user
	lastWarn   map[string]time.Time
	lastCursor map[string]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCursorInterval overrides the minimum gap between cursor rebroadcasts
// per user and resource.
func WithCursorInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cursorInterval = d
		}
	}
}

func NewTracker(bc Broadcaster, onConflict ConflictFunc, logger *log.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	t := &Tracker{
		bc:             bc,
		onConflict:     onConflict,
		log:            logger,
		now:            time.Now,
		cursorInterval: defaultCursorInterval,
		rooms:          make(map[string]map[string]*member),
		lastWarn:       make(map[string]time.Time),
		lastCursor:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join records one connection of the user viewing a resource. Only the first
// connection announces the user to the room; further tabs join silently.
func (t *Tracker) Join(userID, resourceID string) {
	t.mu.Lock()
	room, ok := t.rooms[resourceID]
	if !ok {
		room = make(map[string]*member)
		t.rooms[resourceID] = room
	}
	m, exists := room[userID]
	if !exists {
		m = &member{rec: Record{UserID: userID, ResourceID: resourceID, JoinedAt: t.now()}}
		room[userID] = m
	}
	m.conns++
	first := m.conns == 1
	t.mu.Unlock()
	if first {
		t.emit(resourceID, domain.PresenceJoined, domain.PresenceEventData{UserID: userID})
	}
}

// Leave drops one connection. The record survives, and nothing is announced,
// until the user's last connection on the resource is gone.
func (t *Tracker) Leave(userID, resourceID string) {
	t.mu.Lock()
	room := t.rooms[resourceID]
	m, existed := room[userID]
	last := false
	if existed {
		m.conns--
		if m.conns <= 0 {
			delete(room, userID)
			if len(room) == 0 {
				delete(t.rooms, resourceID)
			}
			last = true
		}
	}
	t.mu.Unlock()
	if last {
		t.emit(resourceID, domain.PresenceLeft, domain.PresenceEventData{UserID: userID})
	}
}

// Disconnect drops one connection's worth of presence from every resource,
// used on connection loss.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	resources := make([]string, 0)
	for resourceID, room := range t.rooms {
		if _, ok := room[userID]; ok {
			resources = append(resources, resourceID)
		}
	}
	t.mu.Unlock()
	for _, resourceID := range resources {
		t.Leave(userID, resourceID)
	}
}

// FocusField records which field the user is editing (empty on blur),
// broadcasts the advisory, and warns both parties when two users focus the
// same field. The warning is advisory only; last-write-wins still governs the
// final value.
func (t *Tracker) FocusField(userID, resourceID, field string) {
	var others []string
	t.mu.Lock()
	room, ok := t.rooms[resourceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	m, ok := room[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	m.rec.Field = field
	if field != "" {
		for id, other := range room {
			if id != userID && other.rec.Field == field {
				others = append(others, id)
			}
		}
	}
	t.mu.Unlock()

	t.emit(resourceID, domain.FieldFocused, domain.PresenceEventData{UserID: userID, Field: field})

	for _, other := range others {
		t.warn(resourceID, field, userID, other)
		t.warn(resourceID, field, other, userID)
	}
}

// warn delivers a rate-limited conflict advisory to targetUserID.
func (t *Tracker) warn(resourceID, field, otherUserID, targetUserID string) {
	if t.onConflict == nil {
		return
	}
	key := resourceID + "|" + field + "|" + otherUserID + "|" + targetUserID
	t.mu.Lock()
	last, seen := t.lastWarn[key]
	now := t.now()
	if seen && now.Sub(last) < WarnDismissAfter {
		t.mu.Unlock()
		return
	}
	t.lastWarn[key] = now
	t.mu.Unlock()
	t.onConflict(resourceID, field, otherUserID, targetUserID)
}

// CursorMoved rebroadcasts a cursor position, throttled per user and
// resource. Loss is harmless; cursor events are purely cosmetic.
func (t *Tracker) CursorMoved(clientID, userID, resourceID string, line, column int) {
	key := resourceID + "|" + userID
	t.mu.Lock()
	room, ok := t.rooms[resourceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	m, ok := room[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	m.rec.CursorLine = line
	m.rec.CursorColumn = column
	now := t.now()
	if last, seen := t.lastCursor[key]; seen && now.Sub(last) < t.cursorInterval {
		t.mu.Unlock()
		return
	}
	t.lastCursor[key] = now
	t.mu.Unlock()

	data, err := json.Marshal(domain.CursorEventData{UserID: userID, Line: line, Column: column})
	if err != nil {
		return
	}
	t.bc.Broadcast(resourceID, domain.Event{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Type:       domain.CursorMoved,
		Data:       data,
		Time:       domain.NextTimestamp(),
		UserID:     userID,
	}, clientID)
}

// Snapshot reports everyone currently viewing a resource, in join order.
func (t *Tracker) Snapshot(resourceID string) []Record {
	t.mu.Lock()
	room := t.rooms[resourceID]
	out := make([]Record, 0, len(room))
	for _, m := range room {
		out = append(out, m.rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (t *Tracker) emit(resourceID, eventType string, payload domain.PresenceEventData) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.log.Errorf("presence: marshal %s: %v", eventType, err)
		return
	}
	t.bc.Broadcast(resourceID, domain.Event{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Type:       eventType,
		Data:       data,
		Time:       domain.NextTimestamp(),
		UserID:     payload.UserID,
	})
}
