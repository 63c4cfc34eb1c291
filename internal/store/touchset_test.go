package store

import (
	"sync"
	"testing"

	"github.com/driftwatch/driftwatch/internal/model"
)

func key(id string) model.ListingKey {
	return model.ListingKey{Source: "ebay.com", ListingID: id}
}

func TestTouchSet_MarkAndDrain(t *testing.T) {
	ts := NewTouchSet()

	ts.Mark(key("a"), 100)
	ts.Mark(key("b"), 200)

	if ts.Len() != 2 {
		t.Fatalf("expected len 2, got %d", ts.Len())
	}

	drained := ts.Drain()

	if ts.Len() != 0 {
		t.Fatalf("expected len 0 after drain, got %d", ts.Len())
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(drained))
	}
	if drained[key("a")] != 100 || drained[key("b")] != 200 {
		t.Fatalf("unexpected drained values: %v", drained)
	}
}

func TestTouchSet_NewestWins(t *testing.T) {
	ts := NewTouchSet()

	ts.Mark(key("a"), 200)
	ts.Mark(key("a"), 100) // stale observation, must not regress

	drained := ts.Drain()
	if drained[key("a")] != 200 {
		t.Fatalf("expected 200, got %d", drained[key("a")])
	}
}

func TestTouchSet_Merge(t *testing.T) {
	ts := NewTouchSet()

	// Simulate: drain, then new marks arrive, then merge old back.
	ts.Mark(key("a"), 100)
	ts.Mark(key("b"), 100)
	old := ts.Drain()

	// Newer mark on "a" after drain.
	ts.Mark(key("a"), 300)

	ts.Merge(old)

	drained := ts.Drain()
	if drained[key("a")] != 300 {
		t.Fatalf("expected newer mark preserved for a, got %d", drained[key("a")])
	}
	if drained[key("b")] != 100 {
		t.Fatalf("expected b restored, got %d", drained[key("b")])
	}
}

func TestTouchSet_ConcurrentMarks(t *testing.T) {
	ts := NewTouchSet()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				ts.Mark(key("shared"), n*100+j)
			}
		}(int64(i))
	}
	wg.Wait()

	drained := ts.Drain()
	if drained[key("shared")] != 999 {
		t.Fatalf("expected max timestamp 999, got %d", drained[key("shared")])
	}
}
