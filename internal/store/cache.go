package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/maypok86/otter"
	"github.com/redis/go-redis/v9"

	"github.com/driftwatch/driftwatch/internal/model"
)

// ListingCache is the layered read cache in front of the canonical listing
// table: a bounded in-process otter tier, optionally backed by a shared Redis
// tier so sibling processes can reuse each other's reads. Both tiers are
// advisory. The SQLite row stays authoritative and any cache failure degrades
// to a plain store read.
type ListingCache struct {
	local otter.Cache[string, model.CanonicalListing]
	rdb   *redis.Client // nil when the Redis tier is disabled
	ttl   time.Duration
}

// NewListingCache builds the local tier with the given entry capacity and TTL.
// redisAddr enables the shared tier when non-empty; an unreachable Redis is
// logged and skipped rather than treated as fatal.
func NewListingCache(capacity int, ttl time.Duration, redisAddr string) (*ListingCache, error) {
	local, err := otter.MustBuilder[string, model.CanonicalListing](capacity).
		Cost(func(_ string, _ model.CanonicalListing) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build listing cache: %w", err)
	}

	c := &ListingCache{local: local, ttl: ttl}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         redisAddr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[store] redis cache tier unreachable at %s: %v (continuing with local tier only)", redisAddr, err)
			rdb.Close()
		} else {
			c.rdb = rdb
		}
	}
	return c, nil
}

func cacheKey(key model.ListingKey) string {
	return key.Source + "/" + key.ListingID
}

// Get returns a cached listing, checking the local tier before Redis.
// Redis hits are promoted into the local tier.
func (c *ListingCache) Get(ctx context.Context, key model.ListingKey) (*model.CanonicalListing, bool) {
	k := cacheKey(key)
	if l, ok := c.local.Get(k); ok {
		return &l, true
	}
	if c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, k).Bytes()
	if err != nil {
		return nil, false // redis.Nil and transport errors alike: treat as miss
	}
	var l model.CanonicalListing
	if err := json.Unmarshal(data, &l); err != nil {
		c.rdb.Del(ctx, k)
		return nil, false
	}
	c.local.Set(k, l)
	return &l, true
}

// Put stores a listing in both tiers. Redis writes are best-effort.
func (c *ListingCache) Put(ctx context.Context, l model.CanonicalListing) {
	k := cacheKey(model.ListingKey{Source: l.Source, ListingID: l.ListingID})
	c.local.Set(k, l)
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(l)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, k, data, c.ttl)
}

// Invalidate drops the given keys from both tiers. Callers invalidate after
// every canonical write so a subsequent read refills from the fresh row.
func (c *ListingCache) Invalidate(ctx context.Context, keys ...model.ListingKey) {
	if len(keys) == 0 {
		return
	}
	redisKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		k := cacheKey(key)
		c.local.Delete(k)
		redisKeys = append(redisKeys, k)
	}
	if c.rdb != nil {
		c.rdb.Del(ctx, redisKeys...)
	}
}

// Size returns the entry count of the local tier.
func (c *ListingCache) Size() int {
	return c.local.Size()
}

// Close releases the local tier and the Redis client, if any.
func (c *ListingCache) Close() error {
	c.local.Close()
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
