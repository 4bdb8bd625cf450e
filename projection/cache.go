package projection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const DefaultCacheTTL = 2 * time.Minute

// CachedStore decorates a DocumentStore with a redis lookaside cache for
// point reads. Queries always hit the backing store. Upserts write through
// so the read the updater triggers right after applying an event is warm.
type CachedStore struct {
	DocumentStore
	rdb *redis.Client
	ttl time.Duration
}

func NewCachedStore(inner DocumentStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{DocumentStore: inner, rdb: rdb, ttl: ttl}
}

type cachedDocument struct {
	Document
	ETag string `json:"etag"`
}

func (c *CachedStore) Get(ctx context.Context, id string) (*Document, error) {
	key := "readmodel:" + id
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		var cd cachedDocument
		if err := json.Unmarshal([]byte(raw), &cd); err == nil {
			doc := cd.Document
			doc.etag = cd.ETag
			return &doc, nil
		}
		log.WithField("key", key).Warn("Dropping unreadable cache entry")
		c.rdb.Del(ctx, key)
	} else if err != redis.Nil {
		log.WithError(err).WithField("key", key).Warn("Cache read failed, falling back to store")
	}

	doc, err := c.DocumentStore.Get(ctx, id)
	if err != nil || doc == nil {
		return doc, err
	}
	c.set(ctx, key, *doc)
	return doc, nil
}

func (c *CachedStore) Upsert(ctx context.Context, doc Document, expectedVersion int) error {
	if err := c.DocumentStore.Upsert(ctx, doc, expectedVersion); err != nil {
		return err
	}
	// The backing store owns the etag after a write, so refresh from it
	// rather than caching a stale one.
	fresh, err := c.DocumentStore.Get(ctx, doc.ID)
	if err == nil && fresh != nil {
		c.set(ctx, "readmodel:"+doc.ID, *fresh)
	} else {
		c.rdb.Del(ctx, "readmodel:"+doc.ID)
	}
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	if err := c.DocumentStore.Delete(ctx, id); err != nil {
		return err
	}
	c.rdb.Del(ctx, "readmodel:"+id)
	return nil
}

func (c *CachedStore) set(ctx context.Context, key string, doc Document) {
	buf, err := json.Marshal(cachedDocument{Document: doc, ETag: doc.etag})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, buf, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
}
