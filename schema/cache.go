package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale a cached schema may be. Schema changes are
// rare and the catalog stays the source of truth for writes.
const DefaultCacheTTL = 5 * time.Minute

// Cache is a redis lookaside for schema reads. A nil redis client disables
// caching entirely; every lookup is then a miss.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a lookaside cache with the given TTL. Non-positive TTLs
// fall back to DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{redis: client, ttl: ttl}
}

// cacheKey is "schema:<name>" for the latest revision and
// "schema:<name>:<version>" for a pinned one.
func cacheKey(name string, version *int) string {
	if version == nil {
		return "schema:" + name
	}
	return fmt.Sprintf("schema:%s:%d", name, *version)
}

func (c *Cache) get(ctx context.Context, key string) (Record, bool) {
	if c == nil || c.redis == nil {
		return Record{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the catalog without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return Record{}, false
	}
	return rec, true
}

func (c *Cache) set(ctx context.Context, key string, rec Record) {
	if c == nil || c.redis == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, name string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cacheKey(name, nil)).Err()
}
