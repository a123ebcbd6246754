package domain

import "encoding/json"

const (
	ItemCreated     = "item-created"
	ItemUpdated     = "item-updated"
	ItemMoved       = "item-moved"
	ItemDeleted     = "item-deleted"
	FieldChanged    = "field-changed"
	PresenceJoined  = "presence-joined"
	PresenceLeft    = "presence-left"
	FieldFocused    = "field-focused"
	CursorMoved     = "cursor-moved"
	ReactionToggled = "reaction-toggled"
	// ConflictAdvisory is a soft signal, never an error: two users are
	// editing the same field. It does not block either edit.
	ConflictAdvisory = "conflict-advisory"
)

// Event is the wire unit delivered to realtime rooms. Delivery is
// at-least-once; consumers must apply events idempotently.
type Event struct {
	ID         string          `json:"id"`
	ResourceID string          `json:"resourceId"`
	EntityID   string          `json:"entityId,omitempty"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Time       int64           `json:"time"`
	UserID     string          `json:"userId,omitempty"`
}

// DeletedEventData carries only the identifier of the removed item.
type DeletedEventData struct {
	ID string `json:"id"`
}

// FieldChangedEventData describes a resource-level field change derived from
// an item update, informing collaborators out-of-band.
type FieldChangedEventData struct {
	ItemID string   `json:"itemId"`
	Fields []string `json:"fields"`
}

// PresenceEventData accompanies presence-joined, presence-left and
// field-focused events. Field is empty on blur.
type PresenceEventData struct {
	UserID string `json:"userId"`
	Field  string `json:"field,omitempty"`
}

// CursorEventData is cosmetic; losing these events has no correctness impact.
type CursorEventData struct {
	UserID string `json:"userId"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ConflictEventData names the two parties of a conflict advisory. Clients
// surface it to TargetUserID only and auto-dismiss after a fixed interval.
type ConflictEventData struct {
	Field        string `json:"field"`
	OtherUserID  string `json:"otherUserId"`
	TargetUserID string `json:"targetUserId"`
}

// ReactionEventData accompanies reaction-toggled events.
type ReactionEventData struct {
	UserID   string `json:"userId"`
	ItemID   string `json:"itemId"`
	Reaction string `json:"reaction"`
}
