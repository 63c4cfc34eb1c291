package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

func TestRepairConsistency(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := MigrateStoreDB(db); err != nil {
		t.Fatal(err)
	}
	repo := newRepo(db)

	now := time.Now()

	// Event rows: one with an expired lease, one with a live lease, one pending.
	expired := sampleEvent("expired", "ebay.com", "x1", 1, 100)
	expired.Status = model.EventInFlight
	expired.LeaseExpiresAtNs = now.Add(-time.Minute).UnixNano()
	live := sampleEvent("live", "ebay.com", "x2", 1, 200)
	live.Status = model.EventInFlight
	live.LeaseExpiresAtNs = now.Add(time.Minute).UnixNano()
	pending := sampleEvent("pending", "ebay.com", "x3", 1, 300)
	if err := repo.AppendEvents([]model.ChangeEvent{expired, live, pending}); err != nil {
		t.Fatal(err)
	}

	// Target rows: an OPEN breaker with no open timestamp (crash artifact),
	// a legitimate OPEN breaker, and a CLOSED one.
	orphan := sampleTarget("orphan")
	orphan.BreakerState = model.BreakerOpen
	orphan.BreakerOpenedAtNs = 0
	orphan.ConsecutiveFailures = 7
	legit := sampleTarget("legit")
	legit.BreakerState = model.BreakerOpen
	legit.BreakerOpenedAtNs = now.UnixNano()
	legit.ConsecutiveFailures = 5
	closed := sampleTarget("closed")
	for _, target := range []model.PollingTarget{orphan, legit, closed} {
		if err := repo.UpsertTarget(&target); err != nil {
			t.Fatal(err)
		}
	}

	if err := RepairConsistency(db, now); err != nil {
		t.Fatal(err)
	}

	// Expired lease released back to PENDING.
	got, err := repo.GetEvent("expired")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.EventPending || got.LeaseExpiresAtNs != 0 {
		t.Fatalf("expected expired lease released, got %s lease %d", got.Status, got.LeaseExpiresAtNs)
	}

	// Live lease untouched.
	got, err = repo.GetEvent("live")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.EventInFlight {
		t.Fatalf("expected live claim untouched, got %s", got.Status)
	}

	// Orphaned OPEN breaker reset.
	gt, err := repo.GetTarget("orphan")
	if err != nil {
		t.Fatal(err)
	}
	if gt.BreakerState != model.BreakerClosed || gt.ConsecutiveFailures != 0 {
		t.Fatalf("expected orphan breaker reset, got %s failures %d", gt.BreakerState, gt.ConsecutiveFailures)
	}

	// Legitimate OPEN breaker untouched.
	gt, err = repo.GetTarget("legit")
	if err != nil {
		t.Fatal(err)
	}
	if gt.BreakerState != model.BreakerOpen || gt.ConsecutiveFailures != 5 {
		t.Fatalf("expected legit breaker untouched, got %s failures %d", gt.BreakerState, gt.ConsecutiveFailures)
	}

	// Repair is idempotent.
	if err := RepairConsistency(db, now); err != nil {
		t.Fatal(err)
	}
}

func TestPersistenceBootstrap(t *testing.T) {
	dir := t.TempDir()

	engine, closer, err := PersistenceBootstrap(dir, BootstrapOptions{
		CacheSize: 100,
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	target := sampleTarget("t1")
	if err := engine.UpsertTarget(&target); err != nil {
		t.Fatal(err)
	}
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: migrations are idempotent and data survives.
	engine, closer, err = PersistenceBootstrap(dir, BootstrapOptions{
		CacheSize: 100,
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	got, err := engine.GetTarget("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.URL == "" {
		t.Fatalf("expected persisted target, got %+v", got)
	}
}
