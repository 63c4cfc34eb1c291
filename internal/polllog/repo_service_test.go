package polllog

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/schedule"
)

func sampleRow(id, targetID, outcome string, startedAtNs int64) Row {
	return Row{
		ID:            id,
		TargetID:      targetID,
		URL:           "https://market.test/search?q=bikes",
		StartedAtNs:   startedAtNs,
		DurationNs:    int64(40 * time.Millisecond),
		Outcome:       outcome,
		PagesScraped:  3,
		ListingsSeen:  45,
		EventsCreated: 2,
		EventsUpdated: 1,
	}
}

func TestRepo_InsertListGet(t *testing.T) {
	repo := NewRepo(t.TempDir(), 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ts := time.Now().Add(-time.Minute).UnixNano()
	rows := []Row{
		sampleRow("log-a", "t1", "SUCCESS", ts),
		sampleRow("log-b", "t2", "FAILURE", ts+1),
	}
	rows[1].Error = "fetch: transient failure"

	inserted, err := repo.InsertBatch(rows)
	if err != nil {
		t.Fatalf("repo.InsertBatch: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted: got %d, want 2", inserted)
	}

	list, err := repo.List(ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("repo.List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list: got %d rows, want 2", len(list))
	}
	// Newest first.
	if list[0].ID != "log-b" || list[1].ID != "log-a" {
		t.Fatalf("order: got %s, %s", list[0].ID, list[1].ID)
	}

	got, err := repo.GetByID("log-b")
	if err != nil {
		t.Fatalf("repo.GetByID: %v", err)
	}
	if got == nil || got.Outcome != "FAILURE" || got.Error != "fetch: transient failure" {
		t.Fatalf("got %+v", got)
	}

	missing, err := repo.GetByID("nope")
	if err != nil {
		t.Fatalf("repo.GetByID missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v", missing)
	}
}

func TestRepo_ListFilters(t *testing.T) {
	repo := NewRepo(t.TempDir(), 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	base := time.Now().UnixNano()
	rows := []Row{
		sampleRow("log-1", "t1", "SUCCESS", base),
		sampleRow("log-2", "t1", "FAILURE", base+10),
		sampleRow("log-3", "t2", "SUCCESS", base+20),
	}
	if _, err := repo.InsertBatch(rows); err != nil {
		t.Fatal(err)
	}

	byTarget, err := repo.List(ListFilter{TargetID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTarget) != 2 {
		t.Fatalf("target filter: got %d rows, want 2", len(byTarget))
	}

	byOutcome, err := repo.List(ListFilter{Outcome: "FAILURE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byOutcome) != 1 || byOutcome[0].ID != "log-2" {
		t.Fatalf("outcome filter: got %+v", byOutcome)
	}

	windowed, err := repo.List(ListFilter{After: base, Before: base + 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 || windowed[0].ID != "log-2" {
		t.Fatalf("time window: got %+v", windowed)
	}

	paged, err := repo.List(ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID != "log-2" {
		t.Fatalf("pagination: got %+v", paged)
	}
}

func TestRepo_RotationAndCleanup(t *testing.T) {
	dir := t.TempDir()
	// Tiny maxBytes so every insert triggers a rotation check.
	repo := NewRepo(dir, 1, 2)
	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ts := time.Now().UnixNano()
	for i := 0; i < 4; i++ {
		row := sampleRow("log-"+string(rune('a'+i)), "t1", "SUCCESS", ts+int64(i))
		if _, err := repo.InsertBatch([]Row{row}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond) // distinct UnixMilli filenames
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var dbs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "poll_logs-") && strings.HasSuffix(e.Name(), ".db") {
			dbs = append(dbs, filepath.Join(dir, e.Name()))
		}
	}
	if len(dbs) > 2 {
		t.Fatalf("retention must cap DB files at 2, got %d", len(dbs))
	}
}

func TestService_FlushAndHotDisable(t *testing.T) {
	repo := NewRepo(t.TempDir(), 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(config.NewDefaultRuntimeConfig())
	svc := NewService(ServiceConfig{Repo: repo, RuntimeCfg: ptr, FlushInterval: 10 * time.Millisecond})
	svc.Start()

	svc.RecordPoll(schedule.PollRecord{
		TargetID:    "t1",
		URL:         "https://market.test/search",
		StartedAtNs: time.Now().UnixNano(),
		Outcome:     schedule.OutcomeSuccess,
	})

	disabled := *config.NewDefaultRuntimeConfig()
	disabled.PollLogEnabled = false
	ptr.Store(&disabled)
	svc.RecordPoll(schedule.PollRecord{
		TargetID:    "t2",
		StartedAtNs: time.Now().UnixNano(),
		Outcome:     schedule.OutcomeSuccess,
	})

	svc.Stop()

	rows, err := repo.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly the enabled-period record, got %d", len(rows))
	}
	if rows[0].TargetID != "t1" {
		t.Fatalf("got row for %s", rows[0].TargetID)
	}
}
