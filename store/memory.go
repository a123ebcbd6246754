package store

import (
	"context"
	"fmt"
	"sync"

	"boardsync/domain"
)

// MemoryPersistence keeps items in process memory. It backs single-process
// deployments and tests; durable deployments use the aztables implementation
// in the storage package.
type MemoryPersistence struct {
	mu    sync.Mutex
	items map[string]domain.Item // by item id
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{items: make(map[string]domain.Item)}
}

func (m *MemoryPersistence) PersistCreate(ctx context.Context, item domain.Item) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ID]; exists {
		return domain.Item{}, fmt.Errorf("item %s already exists", item.ID)
	}
	item.UpdatedAt = domain.NextTimestamp()
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryPersistence) PersistMove(ctx context.Context, itemID, containerID string, position int) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return domain.Item{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	it.ContainerID = containerID
	it.Position = position
	it.UpdatedAt = domain.NextTimestamp()
	m.items[itemID] = it
	return it, nil
}

func (m *MemoryPersistence) PersistUpdate(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return domain.Item{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	patch.Apply(&it)
	it.UpdatedAt = domain.NextTimestamp()
	m.items[itemID] = it
	return it, nil
}

func (m *MemoryPersistence) PersistDelete(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[itemID]; !ok {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	delete(m.items, itemID)
	return nil
}

func (m *MemoryPersistence) LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []domain.Item{}
	for _, it := range m.items {
		if it.ResourceID == resourceID {
			items = append(items, it)
		}
	}
	SortVisible(items)
	return items, nil
}
