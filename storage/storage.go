package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
	"boardsync/notify"
	"boardsync/store"
)

// Storage is the durable persistence collaborator backed by Azure tables.
// Items live in one table partitioned by resource id; notification
// preferences in another partitioned by user id.
type Storage struct {
	itemTable  *aztables.Client
	prefsTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, itemsTable, prefsTable string) (*Storage, error) {
	options := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &options)
	if err != nil {
		return nil, err
	}
	return &Storage{
		itemTable:  svc.NewClient(itemsTable),
		prefsTable: svc.NewClient(prefsTable),
	}, nil
}

type itemEntity struct {
	aztables.Entity
	ContainerID string `json:"ContainerID"`
	Position    int    `json:"Position"`
	Pinned      bool   `json:"Pinned"`
	Title       string `json:"Title"`
	Notes       string `json:"Notes"`
	UpdatedAt   int64  `json:"UpdatedAt,string"`
}

func (e itemEntity) toItem() domain.Item {
	return domain.Item{
		ID:          e.RowKey,
		ResourceID:  e.PartitionKey,
		ContainerID: e.ContainerID,
		Position:    e.Position,
		Pinned:      e.Pinned,
		Title:       e.Title,
		Notes:       e.Notes,
		UpdatedAt:   e.UpdatedAt,
	}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// getByItemID scans for the entity with the given row key. Items are row-keyed
// by item id, so the filter returns at most one entity.
func (s *Storage) getByItemID(ctx context.Context, itemID string) (*itemEntity, error) {
	filter := "RowKey eq '" + itemID + "'"
	pager := s.itemTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent itemEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			return &ent, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
}

func (s *Storage) putEntity(ctx context.Context, ent itemEntity) (domain.Item, error) {
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Item{}, err
	}
	mode := aztables.UpdateModeReplace
	// No ETag: concurrent field edits resolve by last-write-wins.
	if _, err := s.itemTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: mode}); err != nil {
		return domain.Item{}, err
	}
	return ent.toItem(), nil
}

func (s *Storage) PersistCreate(ctx context.Context, item domain.Item) (domain.Item, error) {
	item.UpdatedAt = domain.NextTimestamp()
	ent := itemEntity{
		Entity:      aztables.Entity{PartitionKey: item.ResourceID, RowKey: item.ID},
		ContainerID: item.ContainerID,
		Position:    item.Position,
		Pinned:      item.Pinned,
		Title:       item.Title,
		Notes:       item.Notes,
		UpdatedAt:   item.UpdatedAt,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := s.itemTable.AddEntity(ctx, data, nil); err != nil {
		if isStatus(err, 409) {
			return domain.Item{}, fmt.Errorf("item %s already exists", item.ID)
		}
		return domain.Item{}, err
	}
	return item, nil
}

func (s *Storage) PersistMove(ctx context.Context, itemID, containerID string, position int) (domain.Item, error) {
	ent, err := s.getByItemID(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	ent.ContainerID = containerID
	ent.Position = position
	ent.UpdatedAt = domain.NextTimestamp()
	return s.putEntity(ctx, *ent)
}

func (s *Storage) PersistUpdate(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error) {
	ent, err := s.getByItemID(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	item := ent.toItem()
	patch.Apply(&item)
	ent.Title = item.Title
	ent.Notes = item.Notes
	ent.Pinned = item.Pinned
	ent.UpdatedAt = domain.NextTimestamp()
	return s.putEntity(ctx, *ent)
}

func (s *Storage) PersistDelete(ctx context.Context, itemID string) error {
	ent, err := s.getByItemID(ctx, itemID)
	if err != nil {
		return err
	}
	if _, err := s.itemTable.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil {
		if isStatus(err, 404) {
			return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Storage) LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error) {
	filter := "PartitionKey eq '" + resourceID + "'"
	pager := s.itemTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	items := []domain.Item{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent itemEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			items = append(items, ent.toItem())
		}
	}
	store.SortVisible(items)
	return items, nil
}

type prefsEntity struct {
	aztables.Entity
	Prefs string `json:"Prefs"`
}

// FetchPrefs loads a user's notification preferences. Missing users get the
// defaults: every category enabled, no quiet hours.
func (s *Storage) FetchPrefs(ctx context.Context, userID string) (notify.Prefs, error) {
	resp, err := s.prefsTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return notify.Prefs{}, nil
		}
		return notify.Prefs{}, err
	}
	var ent prefsEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return notify.Prefs{}, err
	}
	var prefs notify.Prefs
	if err := json.Unmarshal([]byte(ent.Prefs), &prefs); err != nil {
		return notify.Prefs{}, err
	}
	return prefs, nil
}
