package metrics

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/dispatch"
	"github.com/driftwatch/driftwatch/internal/schedule"
)

// ActivePollsProvider supplies the set of in-flight poll target IDs for
// realtime sampling.
type ActivePollsProvider interface {
	ActivePolls() []string
}

// InFlightDeliveriesProvider supplies the number of claimed-but-unfinished
// outbox events for realtime sampling.
type InFlightDeliveriesProvider interface {
	InFlight() int
}

// ManagerConfig configures the metrics Manager.
type ManagerConfig struct {
	Repo                *MetricsRepo
	DurationBinMs       int
	DurationOverflowMs  int
	BucketSeconds       int
	RealtimeCapacity    int
	RealtimeIntervalSec int

	ActivePolls        ActivePollsProvider
	InFlightDeliveries InFlightDeliveriesProvider
}

// Manager is the central metrics coordinator. It owns the Collector,
// BucketAggregator, RealtimeRing, and MetricsRepo, and implements the
// poll and delivery sinks the scheduler and dispatcher report into.
// Background tickers drive realtime sampling and bucket flushes.
type Manager struct {
	collector *Collector
	bucket    *BucketAggregator
	ring      *RealtimeRing
	repo      *MetricsRepo

	activePolls        ActivePollsProvider
	inFlightDeliveries InFlightDeliveriesProvider

	sampleInterval time.Duration
	bucketSeconds  int

	// Baseline for per-sample deltas from cumulative collector counters.
	prevSample sampleBaseline

	// pendingBuckets is an ordered retry queue for failed persistence writes.
	pendingMu      sync.Mutex
	pendingBuckets []*BucketFlushData

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type sampleBaseline struct {
	Polls      int64
	Events     int64
	Deliveries int64
	Failures   int64
}

// NewManager creates a metrics Manager.
func NewManager(cfg ManagerConfig) *Manager {
	sampleSec := cfg.RealtimeIntervalSec
	if sampleSec <= 0 {
		sampleSec = 5
	}
	bucketSec := cfg.BucketSeconds
	if bucketSec <= 0 {
		bucketSec = 60
	}
	return &Manager{
		collector:          NewCollector(cfg.DurationBinMs, cfg.DurationOverflowMs),
		bucket:             NewBucketAggregator(bucketSec),
		ring:               NewRealtimeRing(cfg.RealtimeCapacity),
		repo:               cfg.Repo,
		activePolls:        cfg.ActivePolls,
		inFlightDeliveries: cfg.InFlightDeliveries,
		sampleInterval:     time.Duration(sampleSec) * time.Second,
		bucketSeconds:      bucketSec,
		stopCh:             make(chan struct{}),
	}
}

// Start launches background tickers for realtime sampling and bucket flushing.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sampleLoop()

	m.wg.Add(1)
	go m.bucketLoop()
}

// Stop signals background workers, flushes the partial bucket, and waits.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	if data := m.bucket.ForceFlush(); data != nil {
		m.enqueuePending(data)
	}
	// Drain pending buckets with bounded retries. Failure is non-fatal.
	for attempt := 0; attempt < 3; attempt++ {
		if m.flushPending() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Printf("[metrics] warning: dropping unpersisted buckets on shutdown")
}

// --- Sinks (hot-path, called by poll and dispatch workers) ---

// RecordPoll implements schedule.PollSink.
func (m *Manager) RecordPoll(rec schedule.PollRecord) {
	m.collector.RecordPoll(rec)

	delta := bucketCounts{
		EventsCreated:      int64(rec.EventsCreated),
		EventsUpdated:      int64(rec.EventsUpdated),
		EventsRemoved:      int64(rec.EventsRemoved),
		SuppressedRemovals: int64(rec.SuppressedRemovals),
		PagesScraped:       int64(rec.PagesScraped),
		ListingsSeen:       int64(rec.ListingsSeen),
	}
	switch rec.Outcome {
	case schedule.OutcomeSuccess:
		delta.PollsSuccess = 1
	case schedule.OutcomeNoChange:
		delta.PollsNoChange = 1
	case schedule.OutcomeFailure:
		delta.PollsFailure = 1
	case schedule.OutcomeRateLimited:
		delta.PollsRateLimited = 1
	}
	switch rec.BreakerTransition {
	case breaker.TransitionOpened:
		delta.BreakerOpened = 1
	case breaker.TransitionHalfOpen:
		delta.BreakerHalfOpen = 1
	case breaker.TransitionClosed:
		delta.BreakerClosed = 1
	}
	if rec.Outcome != schedule.OutcomeRateLimited {
		delta.PollDurationSumMs = rec.DurationNs / 1e6
		delta.PollDurationCount = 1
	}
	m.bucket.Add(delta)
}

// RecordDelivery implements dispatch.DeliverySink.
func (m *Manager) RecordDelivery(rec dispatch.DeliveryRecord) {
	m.collector.RecordDelivery(rec.Failed, rec.DeadLetter)

	delta := bucketCounts{}
	if rec.Failed > 0 {
		delta.DeliveriesFailed = 1
	} else {
		delta.DeliveriesProcessed = 1
	}
	if rec.DeadLetter {
		delta.DeadLetters = 1
	}
	m.bucket.Add(delta)
}

// --- Query methods (for API handlers) ---

// Collector returns the underlying collector for snapshot access.
func (m *Manager) Collector() *Collector { return m.collector }

// Ring returns the realtime sample ring buffer.
func (m *Manager) Ring() *RealtimeRing { return m.ring }

// Repo returns the metrics repo for historical queries.
func (m *Manager) Repo() *MetricsRepo { return m.repo }

// BucketSeconds returns the configured bucket width in seconds.
func (m *Manager) BucketSeconds() int { return m.bucketSeconds }

// SampleIntervalSeconds returns the realtime sampling interval in seconds.
func (m *Manager) SampleIntervalSeconds() int { return int(m.sampleInterval.Seconds()) }

// QueryHistory returns persisted buckets in [fromUnix, toUnix], with the
// open in-memory bucket merged in when the range covers it.
func (m *Manager) QueryHistory(fromUnix, toUnix int64) ([]HistoryBucketRow, error) {
	// Opportunistically close a past-boundary bucket even if bucketLoop is
	// delayed, and retry any pending writes.
	if data := m.bucket.MaybeFlush(time.Now()); data != nil {
		m.enqueuePending(data)
	}
	m.flushPending()

	rows, err := m.repo.QueryHistory(fromUnix, toUnix)
	if err != nil {
		return nil, err
	}

	currentStart, current := m.bucket.Snapshot()
	if current.isZero() || currentStart < fromUnix || currentStart > toUnix {
		return rows, nil
	}

	merged := false
	for i := range rows {
		if rows[i].BucketStartUnix != currentStart {
			continue
		}
		mergeBucketRow(&rows[i], current)
		merged = true
		break
	}
	if !merged {
		row := HistoryBucketRow{BucketStartUnix: currentStart}
		mergeBucketRow(&row, current)
		rows = append(rows, row)
		sort.Slice(rows, func(i, j int) bool { return rows[i].BucketStartUnix < rows[j].BucketStartUnix })
	}
	return rows, nil
}

func mergeBucketRow(row *HistoryBucketRow, c bucketCounts) {
	row.PollsSuccess += c.PollsSuccess
	row.PollsNoChange += c.PollsNoChange
	row.PollsFailure += c.PollsFailure
	row.PollsRateLimited += c.PollsRateLimited
	row.EventsCreated += c.EventsCreated
	row.EventsUpdated += c.EventsUpdated
	row.EventsRemoved += c.EventsRemoved
	row.SuppressedRemovals += c.SuppressedRemovals
	row.DeliveriesProcessed += c.DeliveriesProcessed
	row.DeliveriesFailed += c.DeliveriesFailed
	row.DeadLetters += c.DeadLetters
	row.PagesScraped += c.PagesScraped
	row.ListingsSeen += c.ListingsSeen
	row.BreakerOpened += c.BreakerOpened
	row.BreakerHalfOpen += c.BreakerHalfOpen
	row.BreakerClosed += c.BreakerClosed
	row.PollDurationSumMs += c.PollDurationSumMs
	row.PollDurationCount += c.PollDurationCount
}

// --- Background loops ---

func (m *Manager) sampleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case ts := <-ticker.C:
			m.takeSample(ts)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) takeSample(ts time.Time) {
	snap := m.collector.Snapshot()
	cur := sampleBaseline{
		Polls:      snap.TotalPolls(),
		Events:     snap.TotalEvents(),
		Deliveries: snap.DeliveriesProcessed + snap.DeliveriesFailed,
		Failures:   snap.PollsFailure + snap.DeliveriesFailed,
	}
	prev := m.prevSample
	m.prevSample = cur

	sample := RealtimeSample{
		Timestamp:    ts,
		Polls:        nonNegativeDelta(cur.Polls, prev.Polls),
		ChangeEvents: nonNegativeDelta(cur.Events, prev.Events),
		Deliveries:   nonNegativeDelta(cur.Deliveries, prev.Deliveries),
		Failures:     nonNegativeDelta(cur.Failures, prev.Failures),
	}
	if m.activePolls != nil {
		sample.ActivePolls = int64(len(m.activePolls.ActivePolls()))
	}
	if m.inFlightDeliveries != nil {
		sample.InFlightDeliveries = int64(m.inFlightDeliveries.InFlight())
	}
	m.ring.Push(sample)
}

func nonNegativeDelta(cur, prev int64) int64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func (m *Manager) bucketLoop() {
	defer m.wg.Done()

	// Align the first tick to the next bucket boundary.
	now := time.Now().Unix()
	bucketSec := int64(m.bucketSeconds)
	nextBoundary := ((now / bucketSec) + 1) * bucketSec
	initialDelay := time.Duration(nextBoundary-now) * time.Second

	select {
	case <-time.After(initialDelay):
		m.flushBucket()
	case <-m.stopCh:
		return
	}

	ticker := time.NewTicker(time.Duration(m.bucketSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushBucket()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) flushBucket() {
	if data := m.bucket.MaybeFlush(time.Now()); data != nil {
		m.enqueuePending(data)
	}
	if !m.flushPending() {
		log.Printf("[metrics] bucket persistence failed, will retry next tick")
	}
}

func (m *Manager) enqueuePending(data *BucketFlushData) {
	m.pendingMu.Lock()
	m.pendingBuckets = append(m.pendingBuckets, data)
	m.pendingMu.Unlock()
}

// flushPending writes queued buckets in order, stopping at the first
// failure so order is preserved. Returns true when the queue drained.
func (m *Manager) flushPending() bool {
	if m.repo == nil {
		m.pendingMu.Lock()
		m.pendingBuckets = nil
		m.pendingMu.Unlock()
		return true
	}
	for {
		m.pendingMu.Lock()
		if len(m.pendingBuckets) == 0 {
			m.pendingMu.Unlock()
			return true
		}
		head := m.pendingBuckets[0]
		m.pendingMu.Unlock()

		if err := m.repo.WriteBucket(head); err != nil {
			return false
		}

		m.pendingMu.Lock()
		if len(m.pendingBuckets) > 0 && m.pendingBuckets[0] == head {
			m.pendingBuckets = m.pendingBuckets[1:]
		}
		m.pendingMu.Unlock()
	}
}
