package storage

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
	"boardsync/store"
)

type countingPersistence struct {
	store.Persistence
	mu    sync.Mutex
	loads int
}

func (c *countingPersistence) LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.Persistence.LoadItemsForResource(ctx, resourceID)
}

func (c *countingPersistence) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func newCacheFixture(t *testing.T) (*ItemCache, *countingPersistence, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("unable to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	base := &countingPersistence{Persistence: store.NewMemoryPersistence()}
	return NewItemCache(base, rc, time.Minute), base, mr
}

func TestItemCacheReadThrough(t *testing.T) {
	cache, base, _ := newCacheFixture(t)
	ctx := context.Background()

	seeded, err := cache.PersistCreate(ctx, domain.Item{
		ID:          "a",
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := cache.LoadItemsForResource(ctx, "order-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := cache.LoadItemsForResource(ctx, "order-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached read diverged: %#v vs %#v", first, second)
	}
	if len(second) != 1 || second[0].ID != seeded.ID {
		t.Fatalf("unexpected items: %#v", second)
	}
	if base.loadCount() != 1 {
		t.Fatalf("expected 1 backing load, got %d", base.loadCount())
	}
}

func TestItemCacheEvictsOnWrite(t *testing.T) {
	cache, base, _ := newCacheFixture(t)
	ctx := context.Background()

	item, err := cache.PersistCreate(ctx, domain.Item{
		ID:          "a",
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cache.LoadItemsForResource(ctx, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	title := "renamed"
	if _, err := cache.PersistUpdate(ctx, item.ID, domain.ItemPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, err := cache.LoadItemsForResource(ctx, "order-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if items[0].Title != "renamed" {
		t.Fatalf("stale cache served after write: %#v", items[0])
	}
	if base.loadCount() != 2 {
		t.Fatalf("expected reload after eviction, got %d loads", base.loadCount())
	}
}

func TestItemCacheDeleteEvictsViaIndex(t *testing.T) {
	cache, base, mr := newCacheFixture(t)
	ctx := context.Background()

	item, err := cache.PersistCreate(ctx, domain.Item{
		ID:          "a",
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cache.LoadItemsForResource(ctx, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The delete carries no resource id; the eviction relies on the item
	// index maintained on writes.
	if err := cache.PersistDelete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("items:order-1") {
		t.Fatal("resource snapshot not evicted on delete")
	}

	items, err := cache.LoadItemsForResource(ctx, "order-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("deleted item still served: %#v", items)
	}
	if base.loadCount() != 2 {
		t.Fatalf("expected reload after delete, got %d loads", base.loadCount())
	}
}

func TestItemCacheSurvivesRedisFlush(t *testing.T) {
	cache, _, mr := newCacheFixture(t)
	ctx := context.Background()

	if _, err := cache.PersistCreate(ctx, domain.Item{
		ID:          "a",
		ResourceID:  "order-1",
		ContainerID: domain.ContainerPlanning,
		Title:       "task",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cache.LoadItemsForResource(ctx, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	mr.FlushAll()
	items, err := cache.LoadItemsForResource(ctx, "order-1")
	if err != nil {
		t.Fatalf("load after flush: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected backing store fallback, got %#v", items)
	}
}
