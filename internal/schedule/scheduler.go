package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/driftwatch/driftwatch/internal/breaker"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/fetch"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/ratelimit"
	"github.com/driftwatch/driftwatch/internal/scanloop"
	"github.com/driftwatch/driftwatch/internal/store"
)

// storeErrorBackoff is how long the whole loop pauses after a persistence
// failure before retrying any poll.
const storeErrorBackoff = 5 * time.Second

// ErrAlreadyPolling is returned by ForcePoll when the target has a poll in
// flight.
var ErrAlreadyPolling = errors.New("schedule: target poll already in flight")

// PollOutcome classifies one completed poll attempt.
type PollOutcome string

const (
	OutcomeSuccess     PollOutcome = "SUCCESS"
	OutcomeNoChange    PollOutcome = "NO_CHANGE"
	OutcomeFailure     PollOutcome = "FAILURE"
	OutcomeRateLimited PollOutcome = "RATE_LIMITED"
)

// PollRecord is the observable result of one poll attempt, handed to the
// configured sink for the poll log and metrics.
type PollRecord struct {
	TargetID    string
	URL         string
	StartedAtNs int64
	DurationNs  int64
	Outcome     PollOutcome

	PagesScraped       int
	ListingsSeen       int
	EventsCreated      int
	EventsUpdated      int
	EventsRemoved      int
	SuppressedRemovals int

	BreakerTransition breaker.Transition
	Error             string
}

// PollSink receives completed poll records. Implementations must not block.
type PollSink interface {
	RecordPoll(rec PollRecord)
}

// Config holds the scheduler's startup settings. Zero fields fall back to
// conservative defaults.
type Config struct {
	MaxConcurrentPolls int
	PollInterval       time.Duration
	WatchdogInterval   time.Duration
	PollTaskCeiling    time.Duration
	DrainDeadline      time.Duration
	ReconcileSchedule  string
	Debug              bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.PollTaskCeiling <= 0 {
		c.PollTaskCeiling = 5 * time.Minute
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 10 * time.Second
	}
	return c
}

// queuedPoll is one entry in the ready queue. The target travels by value:
// breaker flips applied during the due filter ride along and persist with
// the poll's own commit.
type queuedPoll struct {
	target    *model.PollingTarget
	forceFull bool
}

// taskHandle tracks one in-flight poll for the active set and the watchdog.
type taskHandle struct {
	targetID    string
	startedAtNs int64
}

// Scheduler drives the polling loop over all targets in the store.
type Scheduler struct {
	store      *store.StoreEngine
	fetcher    fetch.Fetcher
	limiter    *ratelimit.Limiter
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	sink       PollSink
	cfg        Config

	mu       sync.Mutex
	active   map[string]*taskHandle
	queue    []queuedPoll
	queued   map[string]struct{}
	deferred map[string]int64 // targetID -> earliest retry, unix ns

	// First-page ID-set signatures from the previous poll, for the
	// skip-full-fetch fast path.
	sigs *xsync.Map[string, uint64]

	cron        *cron.Cron
	cronEntryID cron.EntryID
	cronMu      sync.Mutex

	stopCh     chan struct{}
	loopWg     sync.WaitGroup
	taskWg     sync.WaitGroup
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	storeBackoffUntilNs atomic.Int64
}

// New creates a Scheduler. sink may be nil.
func New(
	st *store.StoreEngine,
	fetcher fetch.Fetcher,
	limiter *ratelimit.Limiter,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	sink PollSink,
	cfg Config,
) *Scheduler {
	if st == nil || fetcher == nil || limiter == nil || runtimeCfg == nil {
		panic("schedule: New requires store, fetcher, limiter, and runtime config")
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		fetcher:    fetcher,
		limiter:    limiter,
		runtimeCfg: runtimeCfg,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		active:     make(map[string]*taskHandle),
		queued:     make(map[string]struct{}),
		deferred:   make(map[string]int64),
		sigs:       xsync.NewMap[string, uint64](),
		cron:       cron.New(),
		stopCh:     make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Start launches the tick loop, the watchdog sweep, and the reconciliation
// cron.
func (s *Scheduler) Start() {
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		scanloop.Run(s.stopCh, s.cfg.WatchdogInterval, s.cfg.WatchdogInterval/6, s.watchdogSweep)
	}()

	if err := s.SetReconcileSchedule(s.cfg.ReconcileSchedule); err != nil {
		log.Printf("[scheduler] warning: reconciliation disabled: %v", err)
	}
	s.cron.Start()
}

// Stop halts timers and drains in-flight polls for up to DrainDeadline, then
// abandons the remainder by cancelling their contexts.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.cron.Stop()
	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.taskWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainDeadline):
		log.Printf("[scheduler] drain deadline reached, abandoning in-flight polls")
	}
	s.lifeCancel()
}

// SetReconcileSchedule replaces the reconciliation cron expression. An empty
// expression removes the schedule.
func (s *Scheduler) SetReconcileSchedule(expr string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cronEntryID != 0 {
		s.cron.Remove(s.cronEntryID)
		s.cronEntryID = 0
	}
	if expr == "" {
		return nil
	}
	id, err := s.cron.AddFunc(expr, s.Reconcile)
	if err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	s.cronEntryID = id
	return nil
}

// ActivePolls returns the IDs of targets with a poll in flight.
func (s *Scheduler) ActivePolls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// QueueDepth returns the current ready-queue length.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ForcePoll schedules an immediate full poll of the target, bypassing the
// due check. ErrAlreadyPolling when the target is in flight.
func (s *Scheduler) ForcePoll(targetID string) error {
	t, err := s.store.GetTarget(targetID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, inFlight := s.active[targetID]; inFlight {
		s.mu.Unlock()
		return ErrAlreadyPolling
	}
	delete(s.deferred, targetID)
	s.enqueueLocked(queuedPoll{target: t, forceFull: true})
	s.dispatchLocked()
	s.mu.Unlock()
	return nil
}

// Reconcile forces a full fetch of every enabled target regardless of
// schedule and flips OPEN breakers to HALF_OPEN so they re-probe.
func (s *Scheduler) Reconcile() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	targets, err := s.store.ListTargets()
	if err != nil {
		log.Printf("[scheduler] reconciliation list targets: %v", err)
		return
	}

	queuedCount := 0
	s.mu.Lock()
	for i := range targets {
		t := &targets[i]
		if !t.Enabled {
			continue
		}
		if _, inFlight := s.active[t.ID]; inFlight {
			continue
		}
		if breaker.ForceHalfOpen(t) {
			log.Printf("[scheduler] reconciliation re-probing tripped target %s", t.ID)
		}
		delete(s.deferred, t.ID)
		if s.enqueueLocked(queuedPoll{target: t, forceFull: true}) {
			queuedCount++
		}
	}
	s.dispatchLocked()
	s.mu.Unlock()
	log.Printf("[scheduler] reconciliation sweep queued %d targets", queuedCount)
}

// ReconcileAsync triggers Reconcile in a background goroutine tracked by the
// scheduler's waitgroup.
func (s *Scheduler) ReconcileAsync() {
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.Reconcile()
	}()
}

// tick loads all targets and queues the due ones. Target cardinality is
// small; a full load per tick is cheaper than cache invalidation would be.
func (s *Scheduler) tick() {
	now := time.Now()
	if until := s.storeBackoffUntilNs.Load(); until > now.UnixNano() {
		return
	}

	targets, err := s.store.ListTargets()
	if err != nil {
		s.noteStoreError("list targets", err)
		return
	}

	cfg := s.runtimeCfg.Load()
	settings := breakerSettings(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range targets {
		t := &targets[i]
		if !t.Enabled {
			continue
		}
		if _, inFlight := s.active[t.ID]; inFlight {
			continue
		}
		if _, waiting := s.queued[t.ID]; waiting {
			continue
		}
		if notBefore, ok := s.deferred[t.ID]; ok {
			if notBefore > now.UnixNano() {
				continue
			}
			delete(s.deferred, t.ID)
		}
		if dueAt(t, cfg, now).After(now) {
			continue
		}
		allowed, tr := breaker.Allow(t, settings, now)
		if !allowed {
			continue
		}
		if tr == breaker.TransitionHalfOpen {
			log.Printf("[scheduler] breaker half-open, probing target %s", t.ID)
		}
		s.enqueueLocked(queuedPoll{target: t})
	}
	s.dispatchLocked()
}

// enqueueLocked appends to the ready queue, deduplicating by target ID.
// Caller holds s.mu.
func (s *Scheduler) enqueueLocked(qp queuedPoll) bool {
	if _, dup := s.queued[qp.target.ID]; dup {
		return false
	}
	s.queued[qp.target.ID] = struct{}{}
	s.queue = append(s.queue, qp)
	return true
}

// dispatchLocked spawns poll tasks while slots are free. Caller holds s.mu.
func (s *Scheduler) dispatchLocked() {
	for len(s.active) < s.cfg.MaxConcurrentPolls && len(s.queue) > 0 {
		qp := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, qp.target.ID)

		h := &taskHandle{targetID: qp.target.ID, startedAtNs: time.Now().UnixNano()}
		s.active[qp.target.ID] = h
		s.taskWg.Add(1)
		go s.runPoll(qp, h)
	}
}

// finishTask releases the task's concurrency slot unless the watchdog
// already evicted it.
func (s *Scheduler) finishTask(h *taskHandle) {
	s.mu.Lock()
	if cur, ok := s.active[h.targetID]; ok && cur == h {
		delete(s.active, h.targetID)
	}
	s.mu.Unlock()
}

// deferTarget blocks a target from re-queueing until notBefore.
func (s *Scheduler) deferTarget(targetID string, notBefore time.Time) {
	s.mu.Lock()
	s.deferred[targetID] = notBefore.UnixNano()
	s.mu.Unlock()
}

// noteStoreError pauses the whole loop; the store being down affects every
// target, so per-target breaker penalties would be noise.
func (s *Scheduler) noteStoreError(op string, err error) {
	s.storeBackoffUntilNs.Store(time.Now().Add(storeErrorBackoff).UnixNano())
	log.Printf("[scheduler] store error (%s), backing off %s: %v", op, storeErrorBackoff, err)
}

// watchdogSweep evicts stale entries from the active set so a hung poll task
// cannot pin a concurrency slot. The task itself may still complete and
// commit; only the slot is freed.
func (s *Scheduler) watchdogSweep() {
	now := time.Now()
	ceiling := s.cfg.PollTaskCeiling.Nanoseconds()

	s.mu.Lock()
	for id, h := range s.active {
		if now.UnixNano()-h.startedAtNs >= ceiling {
			delete(s.active, id)
			log.Printf("[scheduler] warning: watchdog evicted stale poll of %s (running %s)",
				id, time.Duration(now.UnixNano()-h.startedAtNs))
		}
	}
	s.mu.Unlock()

	if pruned := s.limiter.PruneIdle(now); pruned > 0 && s.cfg.Debug {
		log.Printf("[scheduler] pruned %d idle rate-limit domains", pruned)
	}
}

func breakerSettings(cfg *config.RuntimeConfig) breaker.Settings {
	if cfg == nil {
		return breaker.Settings{}
	}
	return breaker.Settings{
		FailureThreshold: cfg.FailureThreshold,
		OpenDuration:     time.Duration(cfg.OpenDuration),
		HalfOpenProbes:   cfg.HalfOpenProbe,
	}
}
