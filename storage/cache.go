package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
	"boardsync/store"
)

const itemResourceIndexKey = "itemres"

// ItemCache wraps a Persistence with redis-backed caching of full-resource
// reads, the path clients hit on every resync. Any write to a resource evicts
// its cached snapshot, on every engine instance sharing the redis.
type ItemCache struct {
	base  store.Persistence
	redis *redis.Client
	ttl   time.Duration
}

func NewItemCache(base store.Persistence, client *redis.Client, ttl time.Duration) *ItemCache {
	if base == nil {
		panic("storage.NewItemCache: base persistence is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ItemCache{base: base, redis: client, ttl: ttl}
}

func (c *ItemCache) PersistCreate(ctx context.Context, item domain.Item) (domain.Item, error) {
	created, err := c.base.PersistCreate(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}
	c.index(ctx, created.ID, created.ResourceID)
	c.evict(ctx, created.ResourceID)
	return created, nil
}

func (c *ItemCache) PersistMove(ctx context.Context, itemID, containerID string, position int) (domain.Item, error) {
	moved, err := c.base.PersistMove(ctx, itemID, containerID, position)
	if err != nil {
		return domain.Item{}, err
	}
	c.index(ctx, moved.ID, moved.ResourceID)
	c.evict(ctx, moved.ResourceID)
	return moved, nil
}

func (c *ItemCache) PersistUpdate(ctx context.Context, itemID string, patch domain.ItemPatch) (domain.Item, error) {
	updated, err := c.base.PersistUpdate(ctx, itemID, patch)
	if err != nil {
		return domain.Item{}, err
	}
	c.index(ctx, updated.ID, updated.ResourceID)
	c.evict(ctx, updated.ResourceID)
	return updated, nil
}

func (c *ItemCache) PersistDelete(ctx context.Context, itemID string) error {
	// The delete contract carries no resource id, so the eviction target
	// comes from the item index maintained on every write.
	var resourceID string
	if c.redis != nil {
		resourceID, _ = c.redis.HGet(ctx, itemResourceIndexKey, itemID).Result()
	}
	if err := c.base.PersistDelete(ctx, itemID); err != nil {
		return err
	}
	if c.redis != nil {
		_ = c.redis.HDel(ctx, itemResourceIndexKey, itemID).Err()
		if resourceID != "" {
			c.evict(ctx, resourceID)
		}
	}
	return nil
}

func (c *ItemCache) LoadItemsForResource(ctx context.Context, resourceID string) ([]domain.Item, error) {
	if items, ok := c.loadFromCache(ctx, resourceID); ok {
		return items, nil
	}
	items, err := c.base.LoadItemsForResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	c.storeItems(ctx, resourceID, items)
	return items, nil
}

func (c *ItemCache) loadFromCache(ctx context.Context, resourceID string) ([]domain.Item, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, itemsCacheKey(resourceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, itemsCacheKey(resourceID)).Err()
		}
		return nil, false
	}
	var items []domain.Item
	if err := json.Unmarshal(data, &items); err != nil {
		_ = c.redis.Del(ctx, itemsCacheKey(resourceID)).Err()
		return nil, false
	}
	return items, true
}

func (c *ItemCache) storeItems(ctx context.Context, resourceID string, items []domain.Item) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, itemsCacheKey(resourceID), data, c.ttl).Err()
	if pipe := c.redis.Pipeline(); pipe != nil {
		for _, it := range items {
			pipe.HSet(ctx, itemResourceIndexKey, it.ID, resourceID)
		}
		_, _ = pipe.Exec(ctx)
	}
}

func (c *ItemCache) index(ctx context.Context, itemID, resourceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.HSet(ctx, itemResourceIndexKey, itemID, resourceID).Err()
}

func (c *ItemCache) evict(ctx context.Context, resourceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, itemsCacheKey(resourceID)).Err()
}

func itemsCacheKey(resourceID string) string {
	return "items:" + resourceID
}
