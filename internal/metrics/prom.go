package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector exposes the Manager's counters as Prometheus metrics. Values
// are read from the collector snapshot at scrape time, so the package keeps a
// single source of truth for counts.
type PromCollector struct {
	manager *Manager

	polls         *prometheus.Desc
	changeEvents  *prometheus.Desc
	suppressed    *prometheus.Desc
	deliveries    *prometheus.Desc
	deadLetters   *prometheus.Desc
	pagesScraped  *prometheus.Desc
	listingsSeen  *prometheus.Desc
	breakerMoves  *prometheus.Desc
	activePolls   *prometheus.Desc
	inFlightDeliv *prometheus.Desc
	pollDuration  *prometheus.Desc
}

// NewPromCollector creates a Prometheus collector backed by the Manager.
// Register it once on the exposition registry.
func NewPromCollector(m *Manager) *PromCollector {
	return &PromCollector{
		manager: m,
		polls: prometheus.NewDesc("driftwatch_polls_total",
			"Completed poll attempts by outcome.", []string{"outcome"}, nil),
		changeEvents: prometheus.NewDesc("driftwatch_change_events_total",
			"Change events emitted by type.", []string{"type"}, nil),
		suppressed: prometheus.NewDesc("driftwatch_suppressed_removals_total",
			"Removals withheld by partial-coverage or grace-period checks.", nil, nil),
		deliveries: prometheus.NewDesc("driftwatch_deliveries_total",
			"Outbox event delivery attempts by result.", []string{"result"}, nil),
		deadLetters: prometheus.NewDesc("driftwatch_dead_letter_events_total",
			"Events parked after exhausting delivery retries.", nil, nil),
		pagesScraped: prometheus.NewDesc("driftwatch_pages_scraped_total",
			"Listing pages fetched from sources.", nil, nil),
		listingsSeen: prometheus.NewDesc("driftwatch_listings_seen_total",
			"Listings observed across all polls.", nil, nil),
		breakerMoves: prometheus.NewDesc("driftwatch_breaker_transitions_total",
			"Circuit breaker state transitions.", []string{"transition"}, nil),
		activePolls: prometheus.NewDesc("driftwatch_active_polls",
			"Polls currently in flight.", nil, nil),
		inFlightDeliv: prometheus.NewDesc("driftwatch_in_flight_deliveries",
			"Outbox events claimed but not yet completed.", nil, nil),
		pollDuration: prometheus.NewDesc("driftwatch_poll_duration_ms",
			"Poll attempt duration in milliseconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (p *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.polls
	ch <- p.changeEvents
	ch <- p.suppressed
	ch <- p.deliveries
	ch <- p.deadLetters
	ch <- p.pagesScraped
	ch <- p.listingsSeen
	ch <- p.breakerMoves
	ch <- p.activePolls
	ch <- p.inFlightDeliv
	ch <- p.pollDuration
}

// Collect implements prometheus.Collector.
func (p *PromCollector) Collect(ch chan<- prometheus.Metric) {
	snap := p.manager.Collector().Snapshot()

	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(p.polls, snap.PollsSuccess, "success")
	counter(p.polls, snap.PollsNoChange, "no_change")
	counter(p.polls, snap.PollsFailure, "failure")
	counter(p.polls, snap.PollsRateLimited, "rate_limited")

	counter(p.changeEvents, snap.EventsCreated, "created")
	counter(p.changeEvents, snap.EventsUpdated, "updated")
	counter(p.changeEvents, snap.EventsRemoved, "removed")
	counter(p.suppressed, snap.SuppressedRemovals)

	counter(p.deliveries, snap.DeliveriesProcessed, "processed")
	counter(p.deliveries, snap.DeliveriesFailed, "failed")
	counter(p.deadLetters, snap.DeadLetters)

	counter(p.pagesScraped, snap.PagesScraped)
	counter(p.listingsSeen, snap.ListingsSeen)

	counter(p.breakerMoves, snap.BreakerOpened, "opened")
	counter(p.breakerMoves, snap.BreakerHalfOpen, "half_opened")
	counter(p.breakerMoves, snap.BreakerClosed, "closed")

	if p.manager.activePolls != nil {
		ch <- prometheus.MustNewConstMetric(p.activePolls, prometheus.GaugeValue,
			float64(len(p.manager.activePolls.ActivePolls())))
	}
	if p.manager.inFlightDeliveries != nil {
		ch <- prometheus.MustNewConstMetric(p.inFlightDeliv, prometheus.GaugeValue,
			float64(p.manager.inFlightDeliveries.InFlight()))
	}

	ch <- prometheus.MustNewConstHistogram(p.pollDuration,
		uint64(snap.DurationCount()), float64(snap.DurationSumMs), durationBucketsCumulative(snap))
}

// durationBucketsCumulative converts the fixed-bin histogram into the
// cumulative upper-bound form Prometheus expects. The overflow bin folds
// into the implicit +Inf bucket via the total count.
func durationBucketsCumulative(snap CountersSnapshot) map[float64]uint64 {
	out := make(map[float64]uint64, len(snap.DurationBuckets))
	var cum uint64
	for i := 0; i < len(snap.DurationBuckets)-1; i++ {
		cum += uint64(snap.DurationBuckets[i])
		upper := float64((i + 1) * snap.DurationBinMs)
		out[upper] = cum
	}
	return out
}
