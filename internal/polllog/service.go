package polllog

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/schedule"
)

// Service provides an async poll log writer. RecordPoll performs a
// non-blocking channel send (drops on overflow); a background goroutine
// flushes batches to the Repo. Implements schedule.PollSink.
type Service struct {
	repo       *Repo
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	queue      chan Row
	batchSize  int
	interval   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the poll log service.
type ServiceConfig struct {
	Repo          *Repo
	RuntimeCfg    *atomic.Pointer[config.RuntimeConfig]
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a new poll log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 512
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		repo:       cfg.Repo,
		runtimeCfg: cfg.RuntimeCfg,
		queue:      make(chan Row, queueSize),
		batchSize:  batchSize,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RecordPoll enqueues a completed poll. Non-blocking; drops on overflow.
// A hot-disabled poll log (PollLogEnabled=false) drops everything.
func (s *Service) RecordPoll(rec schedule.PollRecord) {
	if s.runtimeCfg != nil {
		if cfg := s.runtimeCfg.Load(); cfg != nil && !cfg.PollLogEnabled {
			return
		}
	}
	row := Row{
		ID:                 uuid.NewString(),
		TargetID:           rec.TargetID,
		URL:                rec.URL,
		StartedAtNs:        rec.StartedAtNs,
		DurationNs:         rec.DurationNs,
		Outcome:            string(rec.Outcome),
		PagesScraped:       rec.PagesScraped,
		ListingsSeen:       rec.ListingsSeen,
		EventsCreated:      rec.EventsCreated,
		EventsUpdated:      rec.EventsUpdated,
		EventsRemoved:      rec.EventsRemoved,
		SuppressedRemovals: rec.SuppressedRemovals,
		BreakerTransition:  string(rec.BreakerTransition),
		Error:              rec.Error,
	}
	select {
	case s.queue <- row:
	default:
		// Queue full — drop to avoid blocking the poll path.
	}
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Row, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Row) {
	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(rows []Row) {
	if n, err := s.repo.InsertBatch(rows); err != nil {
		log.Printf("[polllog] flush %d rows failed: %v", len(rows), err)
	} else if n > 0 {
		log.Printf("[polllog] flushed %d rows", n)
	}
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}
