package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"boardsync/domain"
	"boardsync/store"
)

type failingPersistence struct {
	store.Persistence
	updateErr error
	deleteErr error
}

func (f *failingPersistence) PersistUpdate(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error) {
	if f.updateErr != nil {
		return domain.Item{}, f.updateErr
	}
	return f.Persistence.PersistUpdate(ctx, itemID, patch)
}

func (f *failingPersistence) PersistDelete(ctx context.Context, itemID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Persistence.PersistDelete(ctx, itemID)
}

func newTestGateway() (*Gateway, *store.MemoryPersistence) {
	mp := store.NewMemoryPersistence()
	return New(store.New(mp), mp, nil), mp
}

func TestApplyCreateAppendsAndEmitsEvent(t *testing.T) {
	gw, _ := newTestGateway()
	ctx := context.Background()

	first, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "write docs",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Item == nil || first.Item.ID == "" {
		t.Fatal("expected item with generated id")
	}
	if first.Item.Position != 0 {
		t.Fatalf("expected first item at position 0, got %d", first.Item.Position)
	}

	second, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "review docs",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if second.Item.Position <= first.Item.Position {
		t.Fatalf("expected appended position, got %d after %d", second.Item.Position, first.Item.Position)
	}

	if len(first.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first.Events))
	}
	ev := first.Events[0]
	if ev.Type != domain.ItemCreated || ev.ResourceID != "order-1" || ev.EntityID != first.Item.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Time != first.Item.UpdatedAt {
		t.Fatalf("event time %d does not match item version %d", ev.Time, first.Item.UpdatedAt)
	}
	var payload domain.Item
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if !reflect.DeepEqual(payload, *first.Item) {
		t.Fatalf("event payload %+v does not match item %+v", payload, *first.Item)
	}
}

func TestApplyCreateValidation(t *testing.T) {
	gw, _ := newTestGateway()
	ctx := context.Background()

	if _, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{ContainerID: domain.ContainerPlanning, Title: "x"}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for missing resource, got %v", err)
	}
	if _, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{ResourceID: "order-1", ContainerID: domain.ContainerPlanning}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for missing title, got %v", err)
	}
	if _, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{ResourceID: "order-1", ContainerID: "bogus", Title: "x"}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown container, got %v", err)
	}
}

func TestApplyMoveEmitsMovedEvent(t *testing.T) {
	gw, _ := newTestGateway()
	ctx := context.Background()

	created, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := gw.ApplyMove(ctx, "user-1", "order-1", created.Item.ID, domain.ContainerDevelopment, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Item.ContainerID != domain.ContainerDevelopment {
		t.Fatalf("expected item in %s, got %s", domain.ContainerDevelopment, res.Item.ContainerID)
	}
	if len(res.Events) != 1 || res.Events[0].Type != domain.ItemMoved {
		t.Fatalf("expected single item-moved event, got %+v", res.Events)
	}
}

func TestApplyMoveMissingItem(t *testing.T) {
	gw, _ := newTestGateway()

	res, err := gw.ApplyMove(context.Background(), "user-1", "order-1", "ghost", domain.ContainerPlanning, 0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("no events expected on failure, got %d", len(res.Events))
	}
}

func TestApplyUpdateEmitsFieldChanged(t *testing.T) {
	gw, _ := newTestGateway()
	ctx := context.Background()

	created, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "renamed"
	notes := "details"
	res, err := gw.ApplyUpdate(ctx, "user-2", "order-1", created.Item.ID, domain.ItemPatch{Title: &title, Notes: &notes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Item.Title != "renamed" || res.Item.Notes != "details" {
		t.Fatalf("patch not applied: %+v", res.Item)
	}
	if res.Item.UpdatedAt <= created.Item.UpdatedAt {
		t.Fatalf("version must advance: %d -> %d", created.Item.UpdatedAt, res.Item.UpdatedAt)
	}

	if len(res.Events) != 2 {
		t.Fatalf("expected item-updated plus field-changed, got %d events", len(res.Events))
	}
	if res.Events[0].Type != domain.ItemUpdated {
		t.Fatalf("first event should be %s, got %s", domain.ItemUpdated, res.Events[0].Type)
	}
	if res.Events[1].Type != domain.FieldChanged {
		t.Fatalf("second event should be %s, got %s", domain.FieldChanged, res.Events[1].Type)
	}
	var fc domain.FieldChangedEventData
	if err := json.Unmarshal(res.Events[1].Data, &fc); err != nil {
		t.Fatalf("decode field-changed payload: %v", err)
	}
	if !reflect.DeepEqual(fc.Fields, []string{"title", "notes"}) {
		t.Fatalf("unexpected changed fields: %v", fc.Fields)
	}
}

func TestApplyUpdateEmptyPatch(t *testing.T) {
	gw, _ := newTestGateway()
	if _, err := gw.ApplyUpdate(context.Background(), "user-1", "order-1", "any", domain.ItemPatch{}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyDelete(t *testing.T) {
	gw, mp := newTestGateway()
	ctx := context.Background()

	created, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := gw.ApplyDelete(ctx, "user-1", "order-1", created.Item.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Item != nil {
		t.Fatal("delete result must not carry an item")
	}
	if len(res.Events) != 1 || res.Events[0].Type != domain.ItemDeleted {
		t.Fatalf("expected single item-deleted event, got %+v", res.Events)
	}
	var payload domain.DeletedEventData
	if err := json.Unmarshal(res.Events[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != created.Item.ID {
		t.Fatalf("payload id %s, want %s", payload.ID, created.Item.ID)
	}

	items, _ := mp.LoadItemsForResource(ctx, "order-1")
	if len(items) != 0 {
		t.Fatalf("item not removed from persistence: %#v", items)
	}

	if _, err := gw.ApplyDelete(ctx, "user-1", "order-1", created.Item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleting again must report not found, got %v", err)
	}
}

func TestMutationsRejectWrongResourceClaim(t *testing.T) {
	gw, mp := newTestGateway()
	ctx := context.Background()

	created, err := gw.ApplyCreate(ctx, "user-1", CreateRequest{
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := gw.ApplyDelete(ctx, "user-2", "order-2", created.Item.ID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete under a foreign resource must report not found, got %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("no events may leave a rejected delete, got %+v", res.Events)
	}
	items, _ := mp.LoadItemsForResource(ctx, "order-1")
	if len(items) != 1 {
		t.Fatal("item of another resource was deleted")
	}

	title := "hijacked"
	if _, err := gw.ApplyUpdate(ctx, "user-2", "order-2", created.Item.ID, domain.ItemPatch{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update under a foreign resource must report not found, got %v", err)
	}
	items, _ = mp.LoadItemsForResource(ctx, "order-1")
	if items[0].Title != "task" {
		t.Fatalf("item of another resource was updated: %+v", items[0])
	}

	if _, err := gw.ApplyMove(ctx, "user-2", "order-2", created.Item.ID, domain.ContainerDevelopment, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("move under a foreign resource must report not found, got %v", err)
	}

	// Under the owning resource the same mutations go through, and every
	// event is tagged with that resource.
	res, err = gw.ApplyDelete(ctx, "user-1", "order-1", created.Item.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Events[0].ResourceID != "order-1" {
		t.Fatalf("event tagged with %s, want order-1", res.Events[0].ResourceID)
	}
}

func TestPersistenceFailureProducesNoEvents(t *testing.T) {
	mp := store.NewMemoryPersistence()
	boom := errors.New("table offline")
	fp := &failingPersistence{Persistence: mp, updateErr: boom, deleteErr: boom}
	gw := New(store.New(fp), fp, nil)
	ctx := context.Background()

	item, err := mp.PersistCreate(ctx, domain.Item{ID: "a", ResourceID: "order-1", ContainerID: domain.ContainerPlanning, Title: "task"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	title := "renamed"
	res, err := gw.ApplyUpdate(ctx, "user-1", "order-1", item.ID, domain.ItemPatch{Title: &title})
	if !errors.Is(err, boom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if res.Item != nil || len(res.Events) != 0 {
		t.Fatalf("failed mutation must produce nothing, got %+v", res)
	}

	res, err = gw.ApplyDelete(ctx, "user-1", "order-1", item.ID)
	if !errors.Is(err, boom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("failed delete must produce no events, got %+v", res.Events)
	}
}
