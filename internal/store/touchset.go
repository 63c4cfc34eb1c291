package store

import (
	"sync"

	"github.com/driftwatch/driftwatch/internal/model"
)

// TouchSet batches last-seen timestamp updates so listings that show up
// unchanged on every poll don't each cost a row write. It keeps the newest
// observation per key. Thread-safe via mutex; drain uses map-swap for a
// stable snapshot.
type TouchSet struct {
	mu sync.Mutex
	m  map[model.ListingKey]int64
}

// NewTouchSet creates an empty TouchSet.
func NewTouchSet() *TouchSet {
	return &TouchSet{m: make(map[model.ListingKey]int64)}
}

// Mark records that a listing was seen at seenAtNs. Older observations for
// the same key never overwrite newer ones.
func (t *TouchSet) Mark(key model.ListingKey, seenAtNs int64) {
	t.mu.Lock()
	if seenAtNs > t.m[key] {
		t.m[key] = seenAtNs
	}
	t.mu.Unlock()
}

// Drain atomically swaps the internal map with a fresh one and returns the
// old map as a stable snapshot. Concurrent marks after Drain go into the new map.
func (t *TouchSet) Drain() map[model.ListingKey]int64 {
	t.mu.Lock()
	old := t.m
	t.m = make(map[model.ListingKey]int64, len(old)/2)
	t.mu.Unlock()
	return old
}

// Merge re-merges a previously drained snapshot back into the set. Used for
// flush-failure recovery. The newest timestamp wins per key, so marks made
// since the drain are preserved.
func (t *TouchSet) Merge(old map[model.ListingKey]int64) {
	t.mu.Lock()
	for k, ns := range old {
		if ns > t.m[k] {
			t.m[k] = ns
		}
	}
	t.mu.Unlock()
}

// Len returns the current number of pending touches.
func (t *TouchSet) Len() int {
	t.mu.Lock()
	n := len(t.m)
	t.mu.Unlock()
	return n
}
