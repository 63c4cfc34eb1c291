package store

import (
	"context"
	"fmt"
	"log"

	"github.com/driftwatch/driftwatch/internal/model"
)

// StoreEngine is the single entry point for canonical persistence: the
// SQLite-backed Repo fronted by the layered listing cache, plus the batched
// last-seen touch set. Canonical writes invalidate the cache so the next
// read refills from the authoritative row.
type StoreEngine struct {
	*Repo

	cache   *ListingCache
	touches *TouchSet
}

// newStoreEngine creates a StoreEngine over the given repo and cache.
func newStoreEngine(repo *Repo, cache *ListingCache) *StoreEngine {
	return &StoreEngine{
		Repo:    repo,
		cache:   cache,
		touches: NewTouchSet(),
	}
}

// GetListing returns the canonical listing for key, serving from the cache
// tiers when possible and filling them on a store hit.
func (e *StoreEngine) GetListing(ctx context.Context, key model.ListingKey) (*model.CanonicalListing, error) {
	if l, ok := e.cache.Get(ctx, key); ok {
		return l, nil
	}
	l, err := e.Repo.GetListing(key)
	if err != nil {
		return nil, err
	}
	e.cache.Put(ctx, *l)
	return l, nil
}

// UpsertListing writes a canonical listing and invalidates its cache entry.
func (e *StoreEngine) UpsertListing(ctx context.Context, l model.CanonicalListing) error {
	if err := e.Repo.UpsertListing(&l); err != nil {
		return err
	}
	e.cache.Invalidate(ctx, model.ListingKey{Source: l.Source, ListingID: l.ListingID})
	return nil
}

// MarkListingRemoved transitions a listing to REMOVED and invalidates its
// cache entry.
func (e *StoreEngine) MarkListingRemoved(ctx context.Context, key model.ListingKey, detectedAtNs int64) error {
	if err := e.Repo.MarkListingRemoved(key, detectedAtNs); err != nil {
		return err
	}
	e.cache.Invalidate(ctx, key)
	return nil
}

// CommitPollOutcome persists a poll cycle's canonical writes, outbox events,
// and target bookkeeping in one transaction, then invalidates the cache
// entries for every listing the cycle touched.
func (e *StoreEngine) CommitPollOutcome(ctx context.Context, target *model.PollingTarget, listings []model.CanonicalListing, events []model.ChangeEvent) error {
	if err := e.Repo.CommitPollOutcome(target, listings, events); err != nil {
		return err
	}
	keys := make([]model.ListingKey, 0, len(listings))
	for i := range listings {
		keys = append(keys, model.ListingKey{Source: listings[i].Source, ListingID: listings[i].ListingID})
	}
	e.cache.Invalidate(ctx, keys...)
	return nil
}

// TouchListing records that an unchanged listing was observed at seenAtNs.
// The write is batched; TouchFlushWorker lands it later.
func (e *StoreEngine) TouchListing(key model.ListingKey, seenAtNs int64) {
	e.touches.Mark(key, seenAtNs)
}

// TouchCount returns the number of pending last-seen touches.
func (e *StoreEngine) TouchCount() int {
	return e.touches.Len()
}

// FlushTouches drains the touch set and batch-writes last_seen_at_ns updates.
// On failure, drained entries are merged back.
func (e *StoreEngine) FlushTouches() error {
	drained := e.touches.Drain()
	if len(drained) == 0 {
		return nil
	}
	if err := e.Repo.BulkTouchLastSeen(drained); err != nil {
		e.touches.Merge(drained)
		return fmt.Errorf("flush touches: %w", err)
	}
	log.Printf("[store] flushed last-seen touches: %d", len(drained))
	return nil
}

// CacheSize returns the entry count of the local cache tier.
func (e *StoreEngine) CacheSize() int {
	return e.cache.Size()
}
