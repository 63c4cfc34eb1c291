package schedule

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/diff"
	"github.com/driftwatch/driftwatch/internal/fetch"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/netutil"
	"github.com/driftwatch/driftwatch/internal/store"
)

// runPoll is the task boundary: one poll of one target. A panic here is
// logged and absorbed so it cannot take down the scheduler loop.
func (s *Scheduler) runPoll(qp queuedPoll, h *taskHandle) {
	defer s.taskWg.Done()
	defer s.finishTask(h)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] panic in poll of %s: %v\n%s", qp.target.ID, r, debug.Stack())
		}
	}()

	ctx, cancel := context.WithTimeout(s.lifeCtx, s.cfg.PollTaskCeiling)
	defer cancel()

	rec := s.executePoll(ctx, qp.target, qp.forceFull)
	if s.sink != nil {
		s.sink.RecordPoll(rec)
	}
	if s.cfg.Debug || rec.Outcome == OutcomeFailure {
		log.Printf("[scheduler] poll %s target=%s pages=%d listings=%d events=%d/%d/%d err=%q",
			rec.Outcome, rec.TargetID, rec.PagesScraped, rec.ListingsSeen,
			rec.EventsCreated, rec.EventsUpdated, rec.EventsRemoved, rec.Error)
	}
}

// executePoll performs the poll sequence: rate-limit admission, first-page
// fetch with the fast path, full fetch, diff, and the atomic commit.
func (s *Scheduler) executePoll(ctx context.Context, t *model.PollingTarget, forceFull bool) PollRecord {
	started := time.Now()
	rec := PollRecord{
		TargetID:    t.ID,
		URL:         t.URL,
		StartedAtNs: started.UnixNano(),
	}
	finish := func(outcome PollOutcome) PollRecord {
		rec.Outcome = outcome
		rec.DurationNs = time.Since(started).Nanoseconds()
		return rec
	}

	cfg := s.runtimeCfg.Load()
	settings := breakerSettings(cfg)

	domain := t.Domain
	if domain == "" {
		domain = netutil.ExtractDomain(t.URL)
	}
	ok, retryAfter, release := s.limiter.Allow(domain, t.RateLimit, started)
	if !ok {
		// Budget denial is not the target's fault: no breaker penalty, no
		// failure count. The deferral keeps it out of the ready queue until
		// a token frees.
		s.deferTarget(t.ID, started.Add(retryAfter))
		rec.Error = "rate limit: domain budget exhausted"
		return finish(OutcomeRateLimited)
	}
	defer release()

	first, err := s.fetcher.Fetch(ctx, t, false)
	if err != nil {
		return s.applyFetchError(t, settings, err, started, finish, &rec)
	}
	rec.PagesScraped = first.PagesScraped
	rec.ListingsSeen = len(first.Listings)

	// First-page fast path: an unchanged ID set means nothing was created,
	// removed, or reordered onto page one, so the full walk is skipped.
	sig := pageSignature(first.Listings)
	if !forceFull {
		if prev, seen := s.sigs.Load(t.ID); seen && prev == sig {
			return s.applyNoChange(t, settings, first, started, finish, &rec)
		}
	}

	snapshot := first
	if !first.FullCoverage() {
		snapshot, err = s.fetcher.Fetch(ctx, t, true)
		if err != nil {
			return s.applyFetchError(t, settings, err, started, finish, &rec)
		}
	}
	rec.PagesScraped = snapshot.PagesScraped
	rec.ListingsSeen = len(snapshot.Listings)

	canonical, err := s.store.ListListings(store.ListingFilter{Source: snapshot.Source})
	if err != nil {
		s.noteStoreError("list listings", err)
		rec.Error = err.Error()
		return finish(OutcomeFailure)
	}

	minSig := 0.1
	if cfg != nil {
		minSig = cfg.MinSignificance
	}
	result := diff.Compute(diff.Request{
		Target:          t,
		Source:          snapshot.Source,
		Scraped:         snapshot.Listings,
		Canonical:       canonical,
		FullCoverage:    snapshot.FullCoverage(),
		Now:             started,
		MinSignificance: minSig,
	})
	rec.SuppressedRemovals = result.SuppressedRemovals
	for i := range result.Events {
		switch result.Events[i].EventType {
		case model.EventCreated:
			rec.EventsCreated++
		case model.EventUpdated:
			rec.EventsUpdated++
		case model.EventRemoved:
			rec.EventsRemoved++
		}
	}

	rec.BreakerTransition = breaker.RecordSuccess(t, settings)
	s.applySuccessBookkeeping(t, len(result.Events), started)

	if err := s.store.CommitPollOutcome(context.WithoutCancel(ctx), t, result.Updated, result.Events); err != nil {
		s.noteStoreError("commit poll outcome", err)
		rec.Error = err.Error()
		return finish(OutcomeFailure)
	}
	for _, key := range result.Seen {
		s.store.TouchListing(key, started.UnixNano())
	}
	s.sigs.Store(t.ID, sig)

	if len(result.Events) == 0 {
		return finish(OutcomeNoChange)
	}
	return finish(OutcomeSuccess)
}

// applyNoChange commits the bookkeeping for a fast-path poll: the breaker
// and schedule state move, the canonical rows only get last-seen touches.
func (s *Scheduler) applyNoChange(
	t *model.PollingTarget,
	settings breaker.Settings,
	first *fetch.Result,
	started time.Time,
	finish func(PollOutcome) PollRecord,
	rec *PollRecord,
) PollRecord {
	rec.BreakerTransition = breaker.RecordSuccess(t, settings)
	s.applySuccessBookkeeping(t, 0, started)

	if err := s.store.UpsertTarget(t); err != nil {
		s.noteStoreError("persist target", err)
		rec.Error = err.Error()
		return finish(OutcomeFailure)
	}
	for i := range first.Listings {
		if first.Listings[i].ID == "" {
			continue
		}
		s.store.TouchListing(model.ListingKey{Source: first.Source, ListingID: first.Listings[i].ID}, started.UnixNano())
	}
	return finish(OutcomeNoChange)
}

// applyFetchError routes a fetch failure into the right backoff channel:
// remote throttling reschedules without penalty, everything else counts
// against the breaker.
func (s *Scheduler) applyFetchError(
	t *model.PollingTarget,
	settings breaker.Settings,
	err error,
	started time.Time,
	finish func(PollOutcome) PollRecord,
	rec *PollRecord,
) PollRecord {
	rec.Error = err.Error()

	var rl *fetch.RateLimitedError
	if errors.As(err, &rl) {
		s.deferTarget(t.ID, started.Add(rl.RetryAfter))
		return finish(OutcomeRateLimited)
	}

	rec.BreakerTransition = breaker.RecordFailure(t, settings, started)
	if rec.BreakerTransition == breaker.TransitionOpened {
		log.Printf("[scheduler] breaker opened for target %s after %d consecutive failures",
			t.ID, t.ConsecutiveFailures)
	}
	t.LastPolledAtNs = started.UnixNano()
	t.CurrentChangeRate = ChangeRate(t.ChangeHistory, t.Adaptive.LearningWindowHours, started)

	if perr := s.store.UpsertTarget(t); perr != nil {
		s.noteStoreError("persist target", perr)
	}
	return finish(OutcomeFailure)
}

// applySuccessBookkeeping updates the target's schedule state after a
// successful poll: timestamps, the change-history entry, and the recomputed
// change rate.
func (s *Scheduler) applySuccessBookkeeping(t *model.PollingTarget, eventCount int, started time.Time) {
	nowNs := started.UnixNano()
	t.LastPolledAtNs = nowNs
	t.LastSuccessAtNs = nowNs
	if eventCount > 0 {
		t.ChangeHistory = append(t.ChangeHistory, model.TargetChange{AtNs: nowNs, EventCount: eventCount})
	}
	t.ChangeHistory = trimHistory(t.ChangeHistory, started)
	t.CurrentChangeRate = ChangeRate(t.ChangeHistory, t.Adaptive.LearningWindowHours, started)
}
