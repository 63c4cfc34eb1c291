package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/driftwatch/driftwatch/internal/model"
)

func newTestCache(t *testing.T, redisAddr string) *ListingCache {
	t.Helper()
	c, err := NewListingCache(100, time.Minute, redisAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListingCache_LocalTier(t *testing.T) {
	c := newTestCache(t, "")
	ctx := context.Background()

	l := sampleListing("ebay.com", "x1", 1)
	k := model.ListingKey{Source: "ebay.com", ListingID: "x1"}

	if _, ok := c.Get(ctx, k); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put(ctx, l)
	got, ok := c.Get(ctx, k)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got.Title != l.Title || got.Version != 1 {
		t.Fatalf("cached value mismatch: %+v", got)
	}

	c.Invalidate(ctx, k)
	if _, ok := c.Get(ctx, k); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestListingCache_RedisTierSharedAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	a := newTestCache(t, mr.Addr())
	b := newTestCache(t, mr.Addr())

	l := sampleListing("ebay.com", "x1", 3)
	k := model.ListingKey{Source: "ebay.com", ListingID: "x1"}

	// A write through instance a is visible to instance b via Redis.
	a.Put(ctx, l)
	got, ok := b.Get(ctx, k)
	if !ok {
		t.Fatal("expected redis tier hit from second instance")
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3 from redis tier, got %d", got.Version)
	}

	// The redis hit was promoted into b's local tier.
	if b.Size() != 1 {
		t.Fatalf("expected promotion into local tier, size %d", b.Size())
	}

	// Invalidation through b drops the shared entry for everyone.
	b.Invalidate(ctx, k)
	if mr.Exists(cacheKey(k)) {
		t.Fatal("expected redis key deleted")
	}
}

func TestListingCache_UnreachableRedisDegradesToLocal(t *testing.T) {
	// Nothing listens on this address; construction must still succeed.
	c := newTestCache(t, "127.0.0.1:1")
	ctx := context.Background()

	l := sampleListing("ebay.com", "x1", 1)
	c.Put(ctx, l)

	if _, ok := c.Get(ctx, model.ListingKey{Source: "ebay.com", ListingID: "x1"}); !ok {
		t.Fatal("expected local tier to keep working")
	}
}

func TestListingCache_CorruptRedisEntryIsDropped(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	c := newTestCache(t, mr.Addr())
	k := model.ListingKey{Source: "ebay.com", ListingID: "x1"}
	mr.Set(cacheKey(k), "{not json")

	if _, ok := c.Get(context.Background(), k); ok {
		t.Fatal("expected miss on corrupt entry")
	}
	if mr.Exists(cacheKey(k)) {
		t.Fatal("expected corrupt entry deleted")
	}
}
