package store

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
)

// helper: create a store.db in a temp dir, run migrations, return Repo.
func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateStoreDB(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return newRepo(db)
}

func float64Ptr(v float64) *float64 { return &v }

func sampleListing(source, id string, version int64) model.CanonicalListing {
	return model.CanonicalListing{
		Source:        source,
		ListingID:     id,
		FirstSeenAtNs: 1000,
		LastSeenAtNs:  2000,
		Status:        model.StatusActive,
		Title:         "Vintage road bike",
		Price:         float64Ptr(249.99),
		Condition:     "used",
		Location:      "Austin, TX",
		URL:           "https://" + source + "/items/" + id,
		ImageURLs:     []string{"https://" + source + "/img/" + id + ".jpg"},
		FieldHash:     "hash-" + id,
		Version:       version,
		TrackedFields: map[string]any{"price": 249.99, "title": "Vintage road bike"},
		UpdatedAtNs:   2000,
	}
}

func sampleTarget(id string) model.PollingTarget {
	return model.PollingTarget{
		ID:            id,
		URL:           "https://market.example.com/search?q=bikes",
		Domain:        "example.com",
		BaseIntervalS: 300,
		MinIntervalS:  60,
		MaxIntervalS:  3600,
		Adaptive: model.AdaptivePolicy{
			ChangeThreshold:     5,
			StabilityBonus:      0.5,
			ActivityBoost:       2,
			LearningWindowHours: 1,
		},
		RateLimit: model.RateLimitPolicy{
			PerMinute: 10,
			PerHour:   300,
			Burst:     2,
		},
		TrackedFields: []string{"price", "title"},
		GracePeriodS:  600,
		Enabled:       true,
		BreakerState:  model.BreakerClosed,
		CreatedAtNs:   1000,
		UpdatedAtNs:   1000,
	}
}

func sampleEvent(id, source, listingID string, version int64, createdAtNs int64) model.ChangeEvent {
	return model.ChangeEvent{
		EventID:   id,
		EventType: model.EventUpdated,
		Source:    source,
		ListingID: listingID,
		ChangedFields: []model.ChangedField{
			{Field: "price", OldValue: 249.99, NewValue: 199.99, ChangeType: model.FieldModified, Significance: 0.2},
		},
		FieldHashBefore: "before",
		FieldHashAfter:  "after",
		DetectedAtNs:    createdAtNs,
		Version:         version,
		Confidence:      0.4,
		Significance:    model.SignificanceMedium,
		Status:          model.EventPending,
		CreatedAtNs:     createdAtNs,
	}
}

// --- system_config ---

func TestRepo_SystemConfig_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	// Initially empty.
	cfg, ver, err := repo.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg != nil || ver != 0 {
		t.Fatalf("expected nil config and version 0, got %v, %d", cfg, ver)
	}

	c := config.NewDefaultRuntimeConfig()
	c.UserAgent = "test-agent"
	now := time.Now().UnixNano()
	if err := repo.SaveSystemConfig(c, 1, now); err != nil {
		t.Fatal(err)
	}

	cfg, ver, err = repo.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if ver != 1 {
		t.Fatalf("expected version 1, got %d", ver)
	}
	if cfg.UserAgent != "test-agent" {
		t.Fatalf("expected user_agent test-agent, got %s", cfg.UserAgent)
	}

	// Upsert (idempotent, bump version).
	c.UserAgent = "updated-agent"
	if err := repo.SaveSystemConfig(c, 2, now+1); err != nil {
		t.Fatal(err)
	}
	cfg, ver, err = repo.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if ver != 2 || cfg.UserAgent != "updated-agent" {
		t.Fatalf("expected version 2 + updated-agent, got %d + %s", ver, cfg.UserAgent)
	}
}

// --- listings ---

func TestRepo_Listings_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	l := sampleListing("ebay.com", "x1", 1)
	if err := repo.UpsertListing(&l); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != l.Title || got.Version != 1 || got.Status != model.StatusActive {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Price == nil || *got.Price != 249.99 {
		t.Fatalf("expected price 249.99, got %v", got.Price)
	}
	if !reflect.DeepEqual(got.ImageURLs, l.ImageURLs) {
		t.Fatalf("image urls mismatch: %v", got.ImageURLs)
	}
	if got.TrackedFields["title"] != "Vintage road bike" {
		t.Fatalf("tracked fields mismatch: %v", got.TrackedFields)
	}
}

func TestRepo_Listings_NilPrice(t *testing.T) {
	repo := newTestRepo(t)

	l := sampleListing("ebay.com", "x1", 1)
	l.Price = nil
	if err := repo.UpsertListing(&l); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Price != nil {
		t.Fatalf("expected nil price, got %v", *got.Price)
	}
}

func TestRepo_Listings_UpsertPreservesFirstSeen(t *testing.T) {
	repo := newTestRepo(t)

	l := sampleListing("ebay.com", "x1", 1)
	if err := repo.UpsertListing(&l); err != nil {
		t.Fatal(err)
	}

	// Second write carries a newer first-seen; the stored value must win.
	l2 := l
	l2.Version = 2
	l2.FirstSeenAtNs = 9999
	l2.Title = "Vintage road bike (refreshed)"
	if err := repo.UpsertListing(&l2); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstSeenAtNs != 1000 {
		t.Fatalf("expected first_seen 1000 preserved, got %d", got.FirstSeenAtNs)
	}
	if got.Version != 2 || got.Title != "Vintage road bike (refreshed)" {
		t.Fatalf("expected updated row, got %+v", got)
	}
}

func TestRepo_ListListings_Filters(t *testing.T) {
	repo := newTestRepo(t)

	a := sampleListing("ebay.com", "a", 1)
	b := sampleListing("ebay.com", "b", 1)
	b.Status = model.StatusRemoved
	c := sampleListing("craigslist.org", "c", 1)
	for _, l := range []model.CanonicalListing{a, b, c} {
		if err := repo.UpsertListing(&l); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.ListListings(ListingFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(all))
	}

	bySource, err := repo.ListListings(ListingFilter{Source: "ebay.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySource) != 2 {
		t.Fatalf("expected 2 ebay listings, got %d", len(bySource))
	}

	removed, err := repo.ListListings(ListingFilter{Status: model.StatusRemoved})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].ListingID != "b" {
		t.Fatalf("expected only b removed, got %+v", removed)
	}

	paged, err := repo.ListListings(ListingFilter{Source: "ebay.com", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ListingID != "b" {
		t.Fatalf("expected page [b], got %+v", paged)
	}

	counts, err := repo.CountListingsByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[model.StatusActive] != 2 || counts[model.StatusRemoved] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRepo_MarkListingRemoved(t *testing.T) {
	repo := newTestRepo(t)

	key := model.ListingKey{Source: "ebay.com", ListingID: "x1"}
	if err := repo.MarkListingRemoved(key, 5000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing listing, got %v", err)
	}

	l := sampleListing("ebay.com", "x1", 3)
	if err := repo.UpsertListing(&l); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkListingRemoved(key, 5000); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetListing(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusRemoved {
		t.Fatalf("expected REMOVED, got %s", got.Status)
	}
	if got.Version != 4 {
		t.Fatalf("expected version bump to 4, got %d", got.Version)
	}
	if got.LastSeenAtNs != 5000 {
		t.Fatalf("expected last_seen 5000, got %d", got.LastSeenAtNs)
	}

	// Already removed: no-op, no version bump.
	if err := repo.MarkListingRemoved(key, 6000); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetListing(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 4 {
		t.Fatalf("expected version to stay 4, got %d", got.Version)
	}
}

func TestRepo_BulkTouchLastSeen(t *testing.T) {
	repo := newTestRepo(t)

	seed1 := sampleListing("ebay.com", "x1", 1)
	if err := repo.UpsertListing(&seed1); err != nil {
		t.Fatal(err)
	}
	seed2 := sampleListing("ebay.com", "x2", 1)
	if err := repo.UpsertListing(&seed2); err != nil {
		t.Fatal(err)
	}

	err := repo.BulkTouchLastSeen(map[model.ListingKey]int64{
		{Source: "ebay.com", ListingID: "x1"}: 9000,
		{Source: "ebay.com", ListingID: "x2"}: 1500, // older than stored 2000
		{Source: "ebay.com", ListingID: "gone"}: 9000, // unknown key ignored
	})
	if err != nil {
		t.Fatal(err)
	}

	x1, _ := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x1"})
	if x1.LastSeenAtNs != 9000 {
		t.Fatalf("expected x1 last_seen 9000, got %d", x1.LastSeenAtNs)
	}
	x2, _ := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x2"})
	if x2.LastSeenAtNs != 2000 {
		t.Fatalf("expected x2 last_seen to keep 2000, got %d", x2.LastSeenAtNs)
	}
}

// --- polling targets ---

func TestRepo_Targets_CRUD(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetTarget("t1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	target := sampleTarget("t1")
	if err := repo.UpsertTarget(&target); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetTarget("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != target.URL || got.Domain != "example.com" {
		t.Fatalf("target mismatch: %+v", got)
	}
	if got.Adaptive.ChangeThreshold != 5 || got.RateLimit.Burst != 2 {
		t.Fatalf("policy mismatch: %+v", got)
	}
	if got.BreakerState != model.BreakerClosed {
		t.Fatalf("expected CLOSED breaker, got %s", got.BreakerState)
	}

	// Update preserves created_at_ns.
	target.Enabled = false
	target.BreakerState = model.BreakerOpen
	target.BreakerOpenedAtNs = 7777
	target.UpdatedAtNs = 2000
	if err := repo.UpsertTarget(&target); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetTarget("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatal("expected disabled target")
	}
	if got.BreakerState != model.BreakerOpen || got.BreakerOpenedAtNs != 7777 {
		t.Fatalf("breaker state not persisted: %+v", got)
	}
	if got.CreatedAtNs != 1000 {
		t.Fatalf("expected created_at preserved, got %d", got.CreatedAtNs)
	}

	list, err := repo.ListTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 target, got %d", len(list))
	}

	if err := repo.DeleteTarget("t1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteTarget("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

// --- subscribers ---

func TestRepo_Subscribers_CRUD(t *testing.T) {
	repo := newTestRepo(t)

	sub := model.Subscriber{
		ID:       "s1",
		Type:     model.SubscriberWebhook,
		Endpoint: "https://hooks.example.com/driftwatch",
		Config: model.SubscriberConfig{
			TimeoutMs:  5000,
			MaxRetries: 5,
			Secret:     "hook-secret",
		},
		Enabled:     true,
		CreatedAtNs: 1000,
		UpdatedAtNs: 1000,
	}
	if err := repo.UpsertSubscriber(&sub); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetSubscriber("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != model.SubscriberWebhook || got.Config.Secret != "hook-secret" {
		t.Fatalf("subscriber mismatch: %+v", got)
	}

	sub.Enabled = false
	sub.UpdatedAtNs = 2000
	if err := repo.UpsertSubscriber(&sub); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetSubscriber("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.CreatedAtNs != 1000 {
		t.Fatalf("expected disabled with created_at preserved, got %+v", got)
	}

	subs, err := repo.ListSubscribers()
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}

	if err := repo.DeleteSubscriber("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetSubscriber("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// --- poll outcome commit ---

func TestRepo_CommitPollOutcome_Atomic(t *testing.T) {
	repo := newTestRepo(t)

	target := sampleTarget("t1")
	if err := repo.UpsertTarget(&target); err != nil {
		t.Fatal(err)
	}

	target.LastPolledAtNs = 5000
	target.LastSuccessAtNs = 5000
	target.CurrentChangeRate = 1.5
	listings := []model.CanonicalListing{
		sampleListing("ebay.com", "x1", 1),
		sampleListing("ebay.com", "x2", 1),
	}
	events := []model.ChangeEvent{
		sampleEvent("e1", "ebay.com", "x1", 1, 5000),
		sampleEvent("e2", "ebay.com", "x2", 1, 5001),
	}

	if err := repo.CommitPollOutcome(&target, listings, events); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetTarget("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastPolledAtNs != 5000 || got.CurrentChangeRate != 1.5 {
		t.Fatalf("target bookkeeping not committed: %+v", got)
	}

	stored, err := repo.ListListings(ListingFilter{Source: "ebay.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 listings committed, got %d", len(stored))
	}

	pending, err := repo.ListEvents(EventFilter{Status: model.EventPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}
}

func TestRepo_CommitPollOutcome_RollsBackOnBadEvent(t *testing.T) {
	repo := newTestRepo(t)

	target := sampleTarget("t1")
	if err := repo.UpsertTarget(&target); err != nil {
		t.Fatal(err)
	}
	if err := repo.AppendEvents([]model.ChangeEvent{sampleEvent("dup", "ebay.com", "x1", 1, 100)}); err != nil {
		t.Fatal(err)
	}

	// Second event reuses a primary key; the whole commit must roll back.
	target.LastPolledAtNs = 5000
	listings := []model.CanonicalListing{sampleListing("ebay.com", "x9", 1)}
	events := []model.ChangeEvent{
		sampleEvent("fresh", "ebay.com", "x9", 1, 5000),
		sampleEvent("dup", "ebay.com", "x9", 2, 5001),
	}
	if err := repo.CommitPollOutcome(&target, listings, events); err == nil {
		t.Fatal("expected commit to fail on duplicate event id")
	}

	if _, err := repo.GetListing(model.ListingKey{Source: "ebay.com", ListingID: "x9"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected listing write rolled back, got %v", err)
	}
	got, err := repo.GetTarget("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastPolledAtNs != 0 {
		t.Fatalf("expected target bookkeeping rolled back, got %d", got.LastPolledAtNs)
	}
	if _, err := repo.GetEvent("fresh"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected event insert rolled back, got %v", err)
	}
}
