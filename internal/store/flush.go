package store

import (
	"log"
	"sync"
	"time"
)

// TouchFlushWorker periodically flushes batched last-seen touches to the
// listings table. It triggers a flush when:
//   - TouchCount() >= threshold, OR
//   - time.Since(lastFlush) >= interval (and touch count > 0)
//
// On Stop(), a final flush is performed before returning.
type TouchFlushWorker struct {
	engine      *StoreEngine
	thresholdFn func() int
	intervalFn  func() time.Duration
	checkTick   time.Duration // how often to check conditions

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTouchFlushWorker creates a flush worker that pulls threshold/interval
// from callbacks on each check cycle.
// checkTick controls how often flush conditions are evaluated (e.g. 5s).
func NewTouchFlushWorker(
	engine *StoreEngine,
	thresholdFn func() int,
	intervalFn func() time.Duration,
	checkTick time.Duration,
) *TouchFlushWorker {
	if thresholdFn == nil {
		panic("store: NewTouchFlushWorker requires non-nil thresholdFn")
	}
	if intervalFn == nil {
		panic("store: NewTouchFlushWorker requires non-nil intervalFn")
	}
	if checkTick <= 0 {
		panic("store: NewTouchFlushWorker requires positive checkTick")
	}

	return &TouchFlushWorker{
		engine:      engine,
		thresholdFn: thresholdFn,
		intervalFn:  intervalFn,
		checkTick:   checkTick,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *TouchFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and performs a final flush.
// Blocks until the goroutine exits.
func (w *TouchFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *TouchFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			// Final flush before exit.
			w.doFlush()
			return
		case <-ticker.C:
			pending := w.engine.TouchCount()
			if pending == 0 {
				continue // Skip empty flush.
			}

			threshold := w.thresholdFn()
			interval := w.intervalFn()
			if pending >= threshold || time.Since(lastFlush) >= interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *TouchFlushWorker) doFlush() {
	if err := w.engine.FlushTouches(); err != nil {
		log.Printf("[store] touch flush error (entries re-merged): %v", err)
	}
}
