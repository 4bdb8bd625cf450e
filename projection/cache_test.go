package projection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCacheFixture(t *testing.T) (*CachedStore, *fakeDocumentStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inner := newFakeDocumentStore()
	return NewCachedStore(inner, rdb, time.Minute), inner, mr
}

func TestCachedStoreServesSecondReadFromCache(t *testing.T) {
	cached, inner, _ := newCacheFixture(t)
	ctx := context.Background()

	inner.docs["order-1"] = Document{ID: "order-1", Version: 3, Status: StatusPlaced}

	doc, err := cached.Get(ctx, "order-1")
	if err != nil || doc == nil {
		t.Fatalf("first read: doc=%v err=%v", doc, err)
	}

	// mutate behind the cache; a warm read must not see it
	inner.docs["order-1"] = Document{ID: "order-1", Version: 9, Status: "shipped"}
	doc, err = cached.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if doc.Version != 3 {
		t.Errorf("version = %d, want cached 3", doc.Version)
	}
}

func TestCachedStoreExpiry(t *testing.T) {
	cached, inner, mr := newCacheFixture(t)
	ctx := context.Background()

	inner.docs["order-1"] = Document{ID: "order-1", Version: 1}
	if _, err := cached.Get(ctx, "order-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	inner.docs["order-1"] = Document{ID: "order-1", Version: 2}
	mr.FastForward(2 * time.Minute)

	doc, err := cached.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("read after expiry: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d after expiry, want fresh 2", doc.Version)
	}
}

func TestCachedStoreUpsertRefreshesCache(t *testing.T) {
	cached, _, _ := newCacheFixture(t)
	ctx := context.Background()

	if err := cached.Upsert(ctx, Document{ID: "order-1", Version: 1, Status: StatusPlaced}, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cached.Upsert(ctx, Document{ID: "order-1", Version: 2, Status: "shipped"}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, err := cached.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Version != 2 || doc.Status != "shipped" {
		t.Errorf("cache stale after upsert: version=%d status=%q", doc.Version, doc.Status)
	}
}

func TestCachedStoreDeleteEvicts(t *testing.T) {
	cached, inner, _ := newCacheFixture(t)
	ctx := context.Background()

	inner.docs["order-1"] = Document{ID: "order-1", Version: 1}
	if _, err := cached.Get(ctx, "order-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := cached.Delete(ctx, "order-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	doc, err := cached.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if doc != nil {
		t.Errorf("deleted read model still served: %v", doc)
	}
}

func TestCachedStoreDropsCorruptEntries(t *testing.T) {
	cached, inner, mr := newCacheFixture(t)
	ctx := context.Background()

	inner.docs["order-1"] = Document{ID: "order-1", Version: 4}
	mr.Set("readmodel:order-1", "{not json")

	doc, err := cached.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("read over corrupt entry: %v", err)
	}
	if doc.Version != 4 {
		t.Errorf("version = %d, want 4 from backing store", doc.Version)
	}
}
