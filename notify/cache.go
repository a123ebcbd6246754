package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// PrefsCache wraps a PrefsSource with redis-backed caching so fan-out to many
// recipients does not hammer the preferences store.
type PrefsCache struct {
	base  PrefsSource
	redis *redis.Client
	ttl   time.Duration
}

func NewPrefsCache(base PrefsSource, client *redis.Client, ttl time.Duration) *PrefsCache {
	if base == nil {
		panic("notify.NewPrefsCache: base source is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &PrefsCache{base: base, redis: client, ttl: ttl}
}

func (c *PrefsCache) FetchPrefs(ctx context.Context, userID string) (Prefs, error) {
	if prefs, ok := c.loadFromCache(ctx, userID); ok {
		return prefs, nil
	}
	prefs, err := c.base.FetchPrefs(ctx, userID)
	if err != nil {
		return Prefs{}, err
	}
	c.store(ctx, userID, prefs)
	return prefs, nil
}

// Evict drops a user's cached preferences, called when they change them.
func (c *PrefsCache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
}

func (c *PrefsCache) loadFromCache(ctx context.Context, userID string) (Prefs, bool) {
	if c.redis == nil {
		return Prefs{}, false
	}
	data, err := c.redis.Get(ctx, prefsCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing source without failing.
			_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		}
		return Prefs{}, false
	}
	var prefs Prefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		return Prefs{}, false
	}
	return prefs, true
}

func (c *PrefsCache) store(ctx context.Context, userID string, prefs Prefs) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, prefsCacheKey(userID), data, c.ttl).Err()
}

func prefsCacheKey(userID string) string {
	return "prefs:" + userID
}
