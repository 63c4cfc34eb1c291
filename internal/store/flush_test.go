package store

import (
	"context"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

func TestTouchFlushWorker_ThresholdTriggered(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"x1", "x2", "x3"} {
		if err := engine.UpsertListing(ctx, sampleListing("ebay.com", id, 1)); err != nil {
			t.Fatal(err)
		}
	}

	// Threshold = 2, interval very long, check tick short.
	w := NewTouchFlushWorker(
		engine,
		func() int { return 2 },
		func() time.Duration { return 1 * time.Hour },
		50*time.Millisecond,
	)
	w.Start()

	// Mark 3 entries (above threshold of 2).
	engine.TouchListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"}, 9000)
	engine.TouchListing(model.ListingKey{Source: "ebay.com", ListingID: "x2"}, 9001)
	engine.TouchListing(model.ListingKey{Source: "ebay.com", ListingID: "x3"}, 9002)

	// Wait for flush cycle.
	time.Sleep(300 * time.Millisecond)

	if n := engine.TouchCount(); n != 0 {
		t.Fatalf("expected touch count 0 after threshold flush, got %d", n)
	}

	got, err := engine.Repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x3"})
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeenAtNs != 9002 {
		t.Fatalf("expected last_seen 9002 in db, got %d", got.LastSeenAtNs)
	}

	w.Stop()
}

func TestTouchFlushWorker_PeriodicTriggered(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if err := engine.UpsertListing(ctx, sampleListing("ebay.com", "x1", 1)); err != nil {
		t.Fatal(err)
	}

	// Threshold very high (won't trigger), interval short (will trigger).
	w := NewTouchFlushWorker(
		engine,
		func() int { return 10000 },
		func() time.Duration { return 100 * time.Millisecond },
		50*time.Millisecond,
	)
	w.Start()

	engine.TouchListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"}, 9000)

	// Wait longer than interval for periodic flush.
	time.Sleep(400 * time.Millisecond)

	if n := engine.TouchCount(); n != 0 {
		t.Fatalf("expected touch count 0 after periodic flush, got %d", n)
	}

	w.Stop()
}

func TestTouchFlushWorker_StopPerformsFinalFlush(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if err := engine.UpsertListing(ctx, sampleListing("ebay.com", "x1", 1)); err != nil {
		t.Fatal(err)
	}

	// Neither threshold nor interval will fire.
	w := NewTouchFlushWorker(
		engine,
		func() int { return 10000 },
		func() time.Duration { return 1 * time.Hour },
		time.Hour,
	)
	w.Start()

	engine.TouchListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"}, 9000)
	w.Stop()

	if n := engine.TouchCount(); n != 0 {
		t.Fatalf("expected final flush on stop, got %d pending", n)
	}
	got, err := engine.Repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeenAtNs != 9000 {
		t.Fatalf("expected last_seen 9000 after stop flush, got %d", got.LastSeenAtNs)
	}

	// Stop is idempotent.
	w.Stop()
}
