// Package scanloop runs the engine's periodic sweeps: the scheduler
// watchdog, the rate-limiter janitor, and the metrics history flusher all
// share this cadence helper. Jitter keeps sweeps from aligning with each
// other or with poll ticks.
package scanloop

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange are the sweep cadence used
	// when a caller has no reason to pick its own.
	DefaultMinInterval = 30 * time.Second
	DefaultJitterRange = 5 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// Start runs fn on its own goroutine at the jittered cadence and returns a
// stop func that signals the loop and waits for it to exit. Stop is safe to
// call more than once.
func Start(minInterval, jitterRange time.Duration, fn func()) (stop func()) {
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Run(stopCh, minInterval, jitterRange, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
		wg.Wait()
	}
}
