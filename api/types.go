package api

import (
	"context"

	"boardsync/domain"
	"boardsync/gateway"
	"boardsync/notify"
	"boardsync/presence"
)

const mutationsMaxSize = 64 * 1024 // 64 KiB

// Mutator applies board mutations and returns the canonical result.
type Mutator interface {
	ApplyCreate(ctx context.Context, userID string, req gateway.CreateRequest) (gateway.Result, error)
	ApplyMove(ctx context.Context, userID, resourceID, itemID, containerID string, index int) (gateway.Result, error)
	ApplyUpdate(ctx context.Context, userID, resourceID, itemID string, patch domain.ItemPatch) (gateway.Result, error)
	ApplyDelete(ctx context.Context, userID, resourceID, itemID string) (gateway.Result, error)
}

// Loader fetches full resource state for board reads and client resyncs.
type Loader interface {
	LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error)
}

// Broadcaster fans events out to the local room subscribers.
type Broadcaster interface {
	Broadcast(resourceID string, ev domain.Event, excludeClientIDs ...string)
	Join(clientID, resourceID string) <-chan domain.Event
	Leave(clientID, resourceID string)
}

// Publisher relays events to other engine instances. It may be nil in
// single-instance deployments.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate mutation submissions.
type Deduper interface {
	// AddMany records the idempotency keys and reports which were newly added.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when processing fails so the
	// client may retry.
	Remove(ctx context.Context, userID, key string) error
}

// Notifier gates and dispatches outbound notifications.
type Notifier interface {
	Dispatch(ctx context.Context, recipients []string, category notify.Category, resourceID, message string) []string
}

// Presence tracks who is viewing and editing what.
type Presence interface {
	Join(userID, resourceID string)
	Leave(userID, resourceID string)
	FocusField(userID, resourceID, field string)
	CursorMoved(clientID, userID, resourceID string, line, column int)
	Snapshot(resourceID string) []presence.Record
}

// Mutation is one entry of a POST /api/mutations batch.
type Mutation struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Op             string            `json:"op"` // create | update | move | delete
	ResourceID     string            `json:"resourceId"`
	ItemID         string            `json:"itemId,omitempty"`
	ContainerID    string            `json:"containerId,omitempty"`
	Index          *int              `json:"index,omitempty"`
	Patch          *domain.ItemPatch `json:"patch,omitempty"`
	Title          string            `json:"title,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Pinned         bool              `json:"pinned,omitempty"`
}

// MutationResult reports the outcome of one mutation back to its issuer.
type MutationResult struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Item           *domain.Item `json:"item,omitempty"`
	Duplicate      bool         `json:"duplicate,omitempty"`
	Error          string       `json:"error,omitempty"`
}
