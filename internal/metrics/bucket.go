package metrics

import (
	"sync"
	"time"
)

// bucketCounts accumulates one aggregation window worth of activity.
type bucketCounts struct {
	PollsSuccess     int64
	PollsNoChange    int64
	PollsFailure     int64
	PollsRateLimited int64

	EventsCreated      int64
	EventsUpdated      int64
	EventsRemoved      int64
	SuppressedRemovals int64

	DeliveriesProcessed int64
	DeliveriesFailed    int64
	DeadLetters         int64

	PagesScraped int64
	ListingsSeen int64

	BreakerOpened   int64
	BreakerHalfOpen int64
	BreakerClosed   int64

	PollDurationSumMs int64
	PollDurationCount int64
}

func (b bucketCounts) isZero() bool {
	return b == bucketCounts{}
}

// BucketFlushData is one completed aggregation window ready for persistence.
type BucketFlushData struct {
	BucketStartUnix int64
	Counts          bucketCounts
}

// BucketAggregator accumulates activity into aligned time buckets:
// bucket_start_unix = (ts_unix / N) * N. Thread-safe.
type BucketAggregator struct {
	mu            sync.Mutex
	bucketSeconds int64
	currentStart  int64
	current       bucketCounts
}

// NewBucketAggregator creates an aggregator with the given bucket width in seconds.
func NewBucketAggregator(bucketSeconds int) *BucketAggregator {
	if bucketSeconds <= 0 {
		bucketSeconds = 60
	}
	return &BucketAggregator{
		bucketSeconds: int64(bucketSeconds),
		currentStart:  alignBucket(time.Now().Unix(), int64(bucketSeconds)),
	}
}

func alignBucket(tsUnix, bucketSeconds int64) int64 {
	return (tsUnix / bucketSeconds) * bucketSeconds
}

// Add merges delta counts into the current bucket.
func (a *BucketAggregator) Add(delta bucketCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.PollsSuccess += delta.PollsSuccess
	a.current.PollsNoChange += delta.PollsNoChange
	a.current.PollsFailure += delta.PollsFailure
	a.current.PollsRateLimited += delta.PollsRateLimited
	a.current.EventsCreated += delta.EventsCreated
	a.current.EventsUpdated += delta.EventsUpdated
	a.current.EventsRemoved += delta.EventsRemoved
	a.current.SuppressedRemovals += delta.SuppressedRemovals
	a.current.DeliveriesProcessed += delta.DeliveriesProcessed
	a.current.DeliveriesFailed += delta.DeliveriesFailed
	a.current.DeadLetters += delta.DeadLetters
	a.current.PagesScraped += delta.PagesScraped
	a.current.ListingsSeen += delta.ListingsSeen
	a.current.BreakerOpened += delta.BreakerOpened
	a.current.BreakerHalfOpen += delta.BreakerHalfOpen
	a.current.BreakerClosed += delta.BreakerClosed
	a.current.PollDurationSumMs += delta.PollDurationSumMs
	a.current.PollDurationCount += delta.PollDurationCount
}

// MaybeFlush returns the completed bucket and starts a new one when now has
// crossed the current bucket's boundary. Returns nil while the current bucket
// is still open, or when the completed bucket holds no activity.
func (a *BucketAggregator) MaybeFlush(now time.Time) *BucketFlushData {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowStart := alignBucket(now.Unix(), a.bucketSeconds)
	if nowStart <= a.currentStart {
		return nil
	}
	return a.rotateLocked(nowStart)
}

// ForceFlush closes and returns the current bucket regardless of boundaries.
// Used on shutdown so a partial window is not lost.
func (a *BucketAggregator) ForceFlush() *BucketFlushData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotateLocked(alignBucket(time.Now().Unix(), a.bucketSeconds))
}

func (a *BucketAggregator) rotateLocked(nextStart int64) *BucketFlushData {
	var out *BucketFlushData
	if !a.current.isZero() {
		out = &BucketFlushData{
			BucketStartUnix: a.currentStart,
			Counts:          a.current,
		}
	}
	a.currentStart = nextStart
	a.current = bucketCounts{}
	return out
}

// Snapshot returns the open bucket's start and a copy of its counts without
// closing it. Used to merge in-memory activity into history query results.
func (a *BucketAggregator) Snapshot() (int64, bucketCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStart, a.current
}

// CurrentBucketStartUnix returns the open bucket's aligned start timestamp.
func (a *BucketAggregator) CurrentBucketStartUnix() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentStart
}
