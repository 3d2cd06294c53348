package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache holds recent classification results so an identical turn
// (same session, pending intent, slots, utterance) within a short window is
// served without another provider call.
type ResultCache interface {
	Get(ctx context.Context, key string) (NLUResult, bool)
	Set(ctx context.Context, key string, res NLUResult)
}

type cachedResult struct {
	res NLUResult
	at  time.Time
}

// MemoryResultCache is the in-process ResultCache.
type MemoryResultCache struct {
	mu      sync.Mutex
	entries map[string]cachedResult
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryResultCache caches results for ttl.
func NewMemoryResultCache(ttl time.Duration) *MemoryResultCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryResultCache{
		entries: make(map[string]cachedResult),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements ResultCache.
func (c *MemoryResultCache) Get(_ context.Context, key string) (NLUResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.at) > c.ttl {
		delete(c.entries, key)
		return NLUResult{}, false
	}
	return entry.res, true
}

// Set implements ResultCache.
func (c *MemoryResultCache) Set(_ context.Context, key string, res NLUResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedResult{res: res, at: c.now()}
}

const nluCacheKeyPrefix = "nlu_cache:"

// RedisResultCache is the Redis-backed ResultCache.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResultCache caches results for ttl.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisResultCache{client: client, ttl: ttl}
}

// Get implements ResultCache. Cache errors degrade to a miss.
func (c *RedisResultCache) Get(ctx context.Context, key string) (NLUResult, bool) {
	raw, err := c.client.Get(ctx, nluCacheKeyPrefix+key).Bytes()
	if err != nil {
		return NLUResult{}, false
	}
	var res NLUResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return NLUResult{}, false
	}
	return res, true
}

// Set implements ResultCache.
func (c *RedisResultCache) Set(ctx context.Context, key string, res NLUResult) {
	encoded, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, nluCacheKeyPrefix+key, encoded, c.ttl).Err()
}
