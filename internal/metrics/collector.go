package metrics

import (
	"sync/atomic"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/schedule"
)

// Collector holds hot-path atomic counters for the whole process.
// All fields are updated with atomic operations for lock-free recording
// from poll workers and dispatch workers.
type Collector struct {
	pollsSuccess     atomic.Int64
	pollsNoChange    atomic.Int64
	pollsFailure     atomic.Int64
	pollsRateLimited atomic.Int64

	eventsCreated      atomic.Int64
	eventsUpdated      atomic.Int64
	eventsRemoved      atomic.Int64
	suppressedRemovals atomic.Int64

	deliveriesProcessed atomic.Int64
	deliveriesFailed    atomic.Int64
	deadLetters         atomic.Int64

	pagesScraped atomic.Int64
	listingsSeen atomic.Int64

	breakerOpened   atomic.Int64
	breakerHalfOpen atomic.Int64
	breakerClosed   atomic.Int64

	// Poll duration histogram: fixed-bucket durations.
	// Each regular bucket[i] = count of polls with duration in
	// [i*binWidth, (i+1)*binWidth). The last bucket is overflow (>= overflowMs).
	durationBuckets []atomic.Int64
	durationSumMs   atomic.Int64
	durationBinMs   int
	durationOverMs  int
}

// CountersSnapshot is a point-in-time snapshot of the counters for reading.
type CountersSnapshot struct {
	PollsSuccess     int64 `json:"polls_success"`
	PollsNoChange    int64 `json:"polls_no_change"`
	PollsFailure     int64 `json:"polls_failure"`
	PollsRateLimited int64 `json:"polls_rate_limited"`

	EventsCreated      int64 `json:"events_created"`
	EventsUpdated      int64 `json:"events_updated"`
	EventsRemoved      int64 `json:"events_removed"`
	SuppressedRemovals int64 `json:"suppressed_removals"`

	DeliveriesProcessed int64 `json:"deliveries_processed"`
	DeliveriesFailed    int64 `json:"deliveries_failed"`
	DeadLetters         int64 `json:"dead_letters"`

	PagesScraped int64 `json:"pages_scraped"`
	ListingsSeen int64 `json:"listings_seen"`

	BreakerOpened   int64 `json:"breaker_opened"`
	BreakerHalfOpen int64 `json:"breaker_half_opened"`
	BreakerClosed   int64 `json:"breaker_closed"`

	DurationBuckets []int64 `json:"poll_duration_buckets"`
	DurationSumMs   int64   `json:"poll_duration_sum_ms"`
	DurationBinMs   int     `json:"poll_duration_bin_ms"`
	DurationOverMs  int     `json:"poll_duration_overflow_ms"`
}

// NewCollector creates a Collector with the given poll-duration histogram
// parameters. Zero values fall back to 200ms bins up to a 60s overflow.
func NewCollector(durationBinMs, durationOverflowMs int) *Collector {
	if durationBinMs <= 0 {
		durationBinMs = 200
	}
	if durationOverflowMs <= 0 {
		durationOverflowMs = 60000
	}
	regularBuckets := (durationOverflowMs + durationBinMs - 1) / durationBinMs
	if regularBuckets <= 0 {
		regularBuckets = 1
	}
	return &Collector{
		durationBuckets: make([]atomic.Int64, regularBuckets+1), // +1 overflow bucket
		durationBinMs:   durationBinMs,
		durationOverMs:  durationOverflowMs,
	}
}

// RecordPoll records one completed poll attempt.
func (c *Collector) RecordPoll(rec schedule.PollRecord) {
	switch rec.Outcome {
	case schedule.OutcomeSuccess:
		c.pollsSuccess.Add(1)
	case schedule.OutcomeNoChange:
		c.pollsNoChange.Add(1)
	case schedule.OutcomeFailure:
		c.pollsFailure.Add(1)
	case schedule.OutcomeRateLimited:
		c.pollsRateLimited.Add(1)
	}

	c.eventsCreated.Add(int64(rec.EventsCreated))
	c.eventsUpdated.Add(int64(rec.EventsUpdated))
	c.eventsRemoved.Add(int64(rec.EventsRemoved))
	c.suppressedRemovals.Add(int64(rec.SuppressedRemovals))
	c.pagesScraped.Add(int64(rec.PagesScraped))
	c.listingsSeen.Add(int64(rec.ListingsSeen))

	switch rec.BreakerTransition {
	case breaker.TransitionOpened:
		c.breakerOpened.Add(1)
	case breaker.TransitionHalfOpen:
		c.breakerHalfOpen.Add(1)
	case breaker.TransitionClosed:
		c.breakerClosed.Add(1)
	}

	// Rate-limited polls never reached the source; their duration would only
	// measure limiter bookkeeping.
	if rec.Outcome != schedule.OutcomeRateLimited {
		c.recordDuration(rec.DurationNs / 1e6)
	}
}

// RecordDelivery records one completed delivery attempt for an outbox event.
func (c *Collector) RecordDelivery(failed int, deadLetter bool) {
	if failed > 0 {
		c.deliveriesFailed.Add(1)
	} else {
		c.deliveriesProcessed.Add(1)
	}
	if deadLetter {
		c.deadLetters.Add(1)
	}
}

func (c *Collector) recordDuration(ms int64) {
	if ms < 0 {
		return
	}
	c.durationSumMs.Add(ms)

	overflowIdx := len(c.durationBuckets) - 1
	if overflowIdx < 0 {
		return
	}

	// Overflow bucket counts samples >= overflow_ms.
	if ms >= int64(c.durationOverMs) {
		c.durationBuckets[overflowIdx].Add(1)
		return
	}

	idx := int(ms / int64(c.durationBinMs))
	if idx >= overflowIdx {
		idx = overflowIdx - 1
	}
	c.durationBuckets[idx].Add(1)
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() CountersSnapshot {
	s := CountersSnapshot{
		PollsSuccess:     c.pollsSuccess.Load(),
		PollsNoChange:    c.pollsNoChange.Load(),
		PollsFailure:     c.pollsFailure.Load(),
		PollsRateLimited: c.pollsRateLimited.Load(),

		EventsCreated:      c.eventsCreated.Load(),
		EventsUpdated:      c.eventsUpdated.Load(),
		EventsRemoved:      c.eventsRemoved.Load(),
		SuppressedRemovals: c.suppressedRemovals.Load(),

		DeliveriesProcessed: c.deliveriesProcessed.Load(),
		DeliveriesFailed:    c.deliveriesFailed.Load(),
		DeadLetters:         c.deadLetters.Load(),

		PagesScraped: c.pagesScraped.Load(),
		ListingsSeen: c.listingsSeen.Load(),

		BreakerOpened:   c.breakerOpened.Load(),
		BreakerHalfOpen: c.breakerHalfOpen.Load(),
		BreakerClosed:   c.breakerClosed.Load(),

		DurationBuckets: make([]int64, len(c.durationBuckets)),
		DurationSumMs:   c.durationSumMs.Load(),
		DurationBinMs:   c.durationBinMs,
		DurationOverMs:  c.durationOverMs,
	}
	for i := range c.durationBuckets {
		s.DurationBuckets[i] = c.durationBuckets[i].Load()
	}
	return s
}

// TotalPolls is the sum of all poll outcomes in the snapshot.
func (s CountersSnapshot) TotalPolls() int64 {
	return s.PollsSuccess + s.PollsNoChange + s.PollsFailure + s.PollsRateLimited
}

// TotalEvents is the sum of all event types in the snapshot.
func (s CountersSnapshot) TotalEvents() int64 {
	return s.EventsCreated + s.EventsUpdated + s.EventsRemoved
}

// DurationCount is the number of samples in the duration histogram.
func (s CountersSnapshot) DurationCount() int64 {
	var n int64
	for _, b := range s.DurationBuckets {
		n += b
	}
	return n
}
