package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
	"boardsync/store"
)

// Result is what a mutation produces: the canonical item (nil for deletes)
// and the events the caller is responsible for broadcasting. The gateway
// never broadcasts itself, keeping persistence correctness independent of
// delivery.
type Result struct {
	Item   *domain.Item
	Events []domain.Event
}

// CreateRequest carries the fields of a new item.
type CreateRequest struct {
	ResourceID  string `json:"resourceId"`
	ContainerID string `json:"containerId"`
	Title       string `json:"title"`
	Notes       string `json:"notes,omitempty"`
	Pinned      bool   `json:"pinned,omitempty"`
}

// Gateway is the sole writer of the authoritative item store. Mutations for
// the same resource are serialized, so concurrent moves into one container
// always observe each other's persisted positions.
type Gateway struct {
	store  *store.Store
	p      store.Persistence
	log    *log.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st *store.Store, p store.Persistence, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{
		store:  st,
		p:      p,
		log:    logger,
		tracer: otel.Tracer("boardsync/gateway"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (g *Gateway) resourceLock(resourceID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[resourceID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[resourceID] = l
	}
	return l
}

// requireInResource verifies the claimed resource owns the item. Persistence
// keys items by id alone; without this check a mutation naming the wrong
// resource would mutate a foreign item and tag its events with the claim,
// routing them into the wrong room.
func (g *Gateway) requireInResource(ctx context.Context, resourceID, itemID string) error {
	items, err := g.p.LoadItemsForResource(ctx, resourceID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.ID == itemID {
			return nil
		}
	}
	return fmt.Errorf("item %s in resource %s: %w", itemID, resourceID, domain.ErrNotFound)
}

// ApplyCreate persists a new item appended to the requested container.
func (g *Gateway) ApplyCreate(ctx context.Context, userID string, req CreateRequest) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.ApplyCreate")
	defer span.End()
	m := newMutationMetrics(g.log, "create", req.ResourceID)
	defer func() { m.Log(err) }()

	if req.ResourceID == "" {
		return Result{}, domain.ValidationError{Field: "resourceId", Reason: "must not be empty"}
	}
	if req.Title == "" {
		return Result{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}

	l := g.resourceLock(req.ResourceID)
	l.Lock()
	defer l.Unlock()

	pos, err := g.store.PlaceNew(ctx, req.ResourceID, req.ContainerID, req.Pinned)
	if err != nil {
		m.SetErrorStage("place")
		return Result{}, err
	}
	item, err := g.p.PersistCreate(ctx, domain.Item{
		ID:          uuid.NewString(),
		ResourceID:  req.ResourceID,
		ContainerID: req.ContainerID,
		Position:    pos,
		Pinned:      req.Pinned,
		Title:       req.Title,
		Notes:       req.Notes,
	})
	if err != nil {
		m.SetErrorStage("persist")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("item.id", item.ID))

	ev, err := itemEvent(domain.ItemCreated, userID, item)
	if err != nil {
		m.SetErrorStage("encode_event")
		return Result{}, err
	}
	return Result{Item: &item, Events: []domain.Event{ev}}, nil
}

// ApplyMove recomputes the item's position for the requested slot, persists
// the move and reports it. Nothing is applied when persistence fails.
func (g *Gateway) ApplyMove(ctx context.Context, userID, resourceID, itemID, containerID string, index int) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.ApplyMove",
		trace.WithAttributes(attribute.String("item.id", itemID), attribute.String("container.id", containerID)))
	defer span.End()
	m := newMutationMetrics(g.log, "move", resourceID)
	defer func() { m.Log(err) }()

	l := g.resourceLock(resourceID)
	l.Lock()
	defer l.Unlock()

	item, err := g.store.Reorder(ctx, resourceID, itemID, containerID, index)
	if err != nil {
		m.SetErrorStage("reorder")
		return Result{}, err
	}

	ev, err := itemEvent(domain.ItemMoved, userID, item)
	if err != nil {
		m.SetErrorStage("encode_event")
		return Result{}, err
	}
	return Result{Item: &item, Events: []domain.Event{ev}}, nil
}

// ApplyUpdate persists a field patch. Besides the item-updated event it emits
// a derived field-changed event so collaborators viewing other fields learn
// about the change out-of-band.
func (g *Gateway) ApplyUpdate(ctx context.Context, userID, resourceID, itemID string, patch domain.ItemPatch) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.ApplyUpdate",
		trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()
	m := newMutationMetrics(g.log, "update", resourceID)
	defer func() { m.Log(err) }()

	if !patch.HasFields() {
		return Result{}, domain.ValidationError{Field: "patch", Reason: "no fields to update"}
	}

	l := g.resourceLock(resourceID)
	l.Lock()
	defer l.Unlock()

	if err := g.requireInResource(ctx, resourceID, itemID); err != nil {
		m.SetErrorStage("ownership")
		return Result{}, err
	}
	item, err := g.p.PersistUpdate(ctx, itemID, patch)
	if err != nil {
		m.SetErrorStage("persist")
		return Result{}, err
	}

	updated, err := itemEvent(domain.ItemUpdated, userID, item)
	if err != nil {
		m.SetErrorStage("encode_event")
		return Result{}, err
	}
	events := []domain.Event{updated}

	if fields := patch.FieldNames(); len(fields) > 0 {
		data, err := json.Marshal(domain.FieldChangedEventData{ItemID: item.ID, Fields: fields})
		if err != nil {
			m.SetErrorStage("encode_event")
			return Result{}, err
		}
		events = append(events, domain.Event{
			ID:         uuid.NewString(),
			ResourceID: item.ResourceID,
			EntityID:   item.ID,
			Type:       domain.FieldChanged,
			Data:       data,
			Time:       item.UpdatedAt,
			UserID:     userID,
		})
	}
	return Result{Item: &item, Events: events}, nil
}

// ApplyDelete removes an item. Deleting a missing item is an error, never a
// silent success.
func (g *Gateway) ApplyDelete(ctx context.Context, userID, resourceID, itemID string) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.ApplyDelete",
		trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()
	m := newMutationMetrics(g.log, "delete", resourceID)
	defer func() { m.Log(err) }()

	l := g.resourceLock(resourceID)
	l.Lock()
	defer l.Unlock()

	if err := g.requireInResource(ctx, resourceID, itemID); err != nil {
		m.SetErrorStage("ownership")
		return Result{}, err
	}
	if err := g.p.PersistDelete(ctx, itemID); err != nil {
		m.SetErrorStage("persist")
		return Result{}, err
	}

	data, err := json.Marshal(domain.DeletedEventData{ID: itemID})
	if err != nil {
		m.SetErrorStage("encode_event")
		return Result{}, err
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		EntityID:   itemID,
		Type:       domain.ItemDeleted,
		Data:       data,
		Time:       domain.NextTimestamp(),
		UserID:     userID,
	}
	return Result{Events: []domain.Event{ev}}, nil
}

func itemEvent(eventType, userID string, item domain.Item) (domain.Event, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         uuid.NewString(),
		ResourceID: item.ResourceID,
		EntityID:   item.ID,
		Type:       eventType,
		Data:       data,
		Time:       item.UpdatedAt,
		UserID:     userID,
	}, nil
}
