package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/store"
)

// fakeSender records deliveries and fails per-subscriber on demand.
type fakeSender struct {
	mu    sync.Mutex
	sends []string // "eventID->subID"
	fail  func(sub *model.Subscriber, ev *model.ChangeEvent) error
}

func (f *fakeSender) Send(_ context.Context, sub *model.Subscriber, ev *model.ChangeEvent) error {
	f.mu.Lock()
	f.sends = append(f.sends, ev.EventID+"->"+sub.ID)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(sub, ev)
	}
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func newDispatchEngine(t *testing.T) *store.StoreEngine {
	t.Helper()
	engine, closer, err := store.PersistenceBootstrap(t.TempDir(), store.BootstrapOptions{
		CacheSize: 64,
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })
	return engine
}

func newTestDispatcher(t *testing.T, engine *store.StoreEngine, sender Sender, sink DeliverySink) *Dispatcher {
	t.Helper()
	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(config.NewDefaultRuntimeConfig())
	return New(engine, sender, ptr, sink, Config{Workers: 2, BatchSize: 16})
}

func seedEvent(t *testing.T, engine *store.StoreEngine, id, listingID string, version int64, createdAtNs int64) {
	t.Helper()
	err := engine.AppendEvents([]model.ChangeEvent{{
		EventID:      id,
		EventType:    model.EventUpdated,
		ListingID:    listingID,
		Source:       "market.test",
		DetectedAtNs: createdAtNs,
		Version:      version,
		Confidence:   1,
		Significance: model.SignificanceLow,
		Status:       model.EventPending,
		CreatedAtNs:  createdAtNs,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func seedSubscriber(t *testing.T, engine *store.StoreEngine, id string, subType model.SubscriberType, enabled bool) {
	t.Helper()
	err := engine.UpsertSubscriber(&model.Subscriber{
		ID:       id,
		Type:     subType,
		Endpoint: "https://consumer.test/hooks/" + id,
		Enabled:  enabled,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func eventStatus(t *testing.T, engine *store.StoreEngine, id string) model.EventStatus {
	t.Helper()
	ev, err := engine.GetEvent(id)
	if err != nil {
		t.Fatal(err)
	}
	return ev.Status
}

func TestDispatcher_DeliversToEnabledWebhooksOnly(t *testing.T) {
	engine := newDispatchEngine(t)
	sender := &fakeSender{}
	d := newTestDispatcher(t, engine, sender, nil)

	seedSubscriber(t, engine, "hook-on", model.SubscriberWebhook, true)
	seedSubscriber(t, engine, "hook-off", model.SubscriberWebhook, false)
	seedSubscriber(t, engine, "socket", model.SubscriberWebsocket, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)

	d.sweep()
	ev, _ := engine.GetEvent("ev-1")
	if ev.Status != model.EventInFlight {
		t.Fatalf("after claim: status %s, want IN_FLIGHT", ev.Status)
	}
	d.deliver(*ev)

	sent := sender.sent()
	if len(sent) != 1 || sent[0] != "ev-1->hook-on" {
		t.Fatalf("expected exactly one delivery to hook-on, got %v", sent)
	}
	if got := eventStatus(t, engine, "ev-1"); got != model.EventProcessed {
		t.Fatalf("status after delivery: got %s, want PROCESSED", got)
	}
}

func TestDispatcher_NoSubscribersStillProcesses(t *testing.T) {
	engine := newDispatchEngine(t)
	sender := &fakeSender{}
	d := newTestDispatcher(t, engine, sender, nil)

	seedEvent(t, engine, "ev-1", "a1", 1, 1000)
	d.sweep()
	ev, _ := engine.GetEvent("ev-1")
	d.deliver(*ev)

	if got := eventStatus(t, engine, "ev-1"); got != model.EventProcessed {
		t.Fatalf("an event with no consumers must drain, got %s", got)
	}
}

func TestDispatcher_SubscriberLookupFailureLeavesClaim(t *testing.T) {
	dir := t.TempDir()
	engine, closer, err := store.PersistenceBootstrap(dir, store.BootstrapOptions{
		CacheSize: 64,
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })
	sender := &fakeSender{}
	d := newTestDispatcher(t, engine, sender, nil)

	seedSubscriber(t, engine, "hook", model.SubscriberWebhook, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)
	d.sweep()
	ev, _ := engine.GetEvent("ev-1")
	if ev.Status != model.EventInFlight {
		t.Fatalf("after claim: status %s, want IN_FLIGHT", ev.Status)
	}

	// Break the subscriber lookup out from under the claimed event.
	db, err := store.OpenDB(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("DROP TABLE subscribers"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	d.deliver(*ev)

	if len(sender.sent()) != 0 {
		t.Fatalf("no sends expected when the lookup fails, got %v", sender.sent())
	}
	if got := eventStatus(t, engine, "ev-1"); got != model.EventInFlight {
		t.Fatalf("status %s after lookup failure, want IN_FLIGHT so the lease expires and the event is reclaimed", got)
	}
}

func TestDispatcher_FailureMarksFailedAndIncrementsRetry(t *testing.T) {
	engine := newDispatchEngine(t)
	sender := &fakeSender{
		fail: func(*model.Subscriber, *model.ChangeEvent) error { return errors.New("503") },
	}
	d := newTestDispatcher(t, engine, sender, nil)

	seedSubscriber(t, engine, "hook", model.SubscriberWebhook, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)

	d.sweep()
	ev, _ := engine.GetEvent("ev-1")
	d.deliver(*ev)

	after, err := engine.GetEvent("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != model.EventFailed || after.RetryCount != 1 {
		t.Fatalf("got status=%s retries=%d, want FAILED/1", after.Status, after.RetryCount)
	}
	if after.LastRetryAtNs == 0 {
		t.Fatal("failed delivery must stamp last_retry_at")
	}
}

func TestDispatcher_PartialFailureRetriesWholeEvent(t *testing.T) {
	engine := newDispatchEngine(t)
	sender := &fakeSender{
		fail: func(sub *model.Subscriber, _ *model.ChangeEvent) error {
			if sub.ID == "hook-bad" {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	d := newTestDispatcher(t, engine, sender, nil)

	seedSubscriber(t, engine, "hook-good", model.SubscriberWebhook, true)
	seedSubscriber(t, engine, "hook-bad", model.SubscriberWebhook, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)

	d.sweep()
	ev, _ := engine.GetEvent("ev-1")
	d.deliver(*ev)

	if got := eventStatus(t, engine, "ev-1"); got != model.EventFailed {
		t.Fatalf("partial failure must mark the event FAILED, got %s", got)
	}
	if len(sender.sent()) != 2 {
		t.Fatalf("both subscribers must be attempted, got %v", sender.sent())
	}
}

func TestDispatcher_ReleaseRetryableRespectsBackoffAndBudget(t *testing.T) {
	engine := newDispatchEngine(t)
	d := newTestDispatcher(t, engine, &fakeSender{}, nil)
	now := time.Now()

	// Freshly failed: backoff has not elapsed.
	seedEvent(t, engine, "ev-fresh", "a1", 1, 1000)
	claim(t, engine, now)
	if err := engine.CompleteEvent("ev-fresh", model.EventFailed, true, now); err != nil {
		t.Fatal(err)
	}

	d.releaseRetryable(now, 5)
	if got := eventStatus(t, engine, "ev-fresh"); got != model.EventFailed {
		t.Fatalf("backoff must hold a fresh failure, got %s", got)
	}

	// Backoff long elapsed: released.
	d.releaseRetryable(now.Add(10*time.Minute), 5)
	if got := eventStatus(t, engine, "ev-fresh"); got != model.EventPending {
		t.Fatalf("elapsed backoff must release the event, got %s", got)
	}

	// Exhausted budget: a dead letter is never auto-released.
	seedEvent(t, engine, "ev-dead", "b1", 1, 2000)
	for i := 0; i < 5; i++ {
		claim(t, engine, now)
		if err := engine.CompleteEvent("ev-dead", model.EventFailed, true, now); err != nil {
			t.Fatal(err)
		}
		if i < 4 {
			if err := engine.ReleaseFailedEvent("ev-dead"); err != nil {
				t.Fatal(err)
			}
		}
	}
	d.releaseRetryable(now.Add(time.Hour), 5)
	if got := eventStatus(t, engine, "ev-dead"); got != model.EventFailed {
		t.Fatalf("dead letter must stay FAILED, got %s", got)
	}
}

// claim flips every claimable event to IN_FLIGHT so CompleteEvent has a
// lease to settle.
func claim(t *testing.T, engine *store.StoreEngine, now time.Time) {
	t.Helper()
	if _, err := engine.ClaimPendingEvents(100, time.Minute, now, 5); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_DeadLetterEmitsRecord(t *testing.T) {
	engine := newDispatchEngine(t)
	sender := &fakeSender{
		fail: func(*model.Subscriber, *model.ChangeEvent) error { return errors.New("410 gone") },
	}
	sink := &recordingSink{}
	d := newTestDispatcher(t, engine, sender, sink)

	seedSubscriber(t, engine, "hook", model.SubscriberWebhook, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)

	now := time.Now()
	for i := 0; i < 5; i++ {
		claim(t, engine, now)
		ev, err := engine.GetEvent("ev-1")
		if err != nil {
			t.Fatal(err)
		}
		d.deliver(*ev)
		if i < 4 {
			if err := engine.ReleaseFailedEvent("ev-1"); err != nil {
				t.Fatal(err)
			}
		}
	}

	recs := sink.records()
	if len(recs) != 5 {
		t.Fatalf("expected 5 delivery records, got %d", len(recs))
	}
	last := recs[len(recs)-1]
	if !last.DeadLetter {
		t.Fatal("fifth failure must be flagged as a dead letter")
	}
	for _, rec := range recs[:4] {
		if rec.DeadLetter {
			t.Fatal("earlier failures must not be dead letters")
		}
	}
}

func TestDispatcher_PerListingOrderPreservedEndToEnd(t *testing.T) {
	engine := newDispatchEngine(t)
	var mu sync.Mutex
	var order []string
	sender := &fakeSender{}
	sender.fail = func(_ *model.Subscriber, ev *model.ChangeEvent) error {
		mu.Lock()
		order = append(order, ev.EventID)
		mu.Unlock()
		return nil
	}
	d := newTestDispatcher(t, engine, sender, nil)

	seedSubscriber(t, engine, "hook", model.SubscriberWebhook, true)
	seedEvent(t, engine, "ev-1", "a1", 1, 1000)
	seedEvent(t, engine, "ev-2", "a1", 2, 2000)

	d.Start()
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("both events should deliver in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "ev-1" || order[1] != "ev-2" {
		t.Fatalf("per-listing order violated: %v", order)
	}
}

func TestShardFor_StableAndInRange(t *testing.T) {
	ev := &model.ChangeEvent{Source: "market.test", ListingID: "a1"}
	first := shardFor(ev, 4)
	for i := 0; i < 100; i++ {
		got := shardFor(ev, 4)
		if got != first {
			t.Fatal("shard assignment must be deterministic")
		}
		if got < 0 || got >= 4 {
			t.Fatalf("shard out of range: %d", got)
		}
	}
}

// recordingSink collects delivery records.
type recordingSink struct {
	mu   sync.Mutex
	recs []DeliveryRecord
}

func (s *recordingSink) RecordDelivery(rec DeliveryRecord) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func (s *recordingSink) records() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryRecord(nil), s.recs...)
}
