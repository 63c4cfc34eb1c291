// Package dispatch drains the outbox: it claims pending change events under
// a delivery lease, fans them out to subscribers on sharded workers that
// preserve per-listing order, and retries failures with jittered backoff
// until the retry budget dead-letters them.
package dispatch

import (
	"math/rand"
	"time"
)

const (
	retryBackoffBase = time.Second
	retryBackoffCap  = 5 * time.Minute
)

// retryDelay returns the jittered backoff before retry attempt n (the
// event's current retry_count): uniform in [c/2, c] for c = min(1s *
// 2^(n-1), 5min). The jitter spreads a burst of failures from one dead
// endpoint back out over time instead of re-hammering it in sync; the c/2
// floor keeps the delay from collapsing to zero.
func retryDelay(retryCount int) time.Duration {
	exp := retryCount - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 8 {
		exp = 8
	}
	ceiling := retryBackoffBase << exp
	if ceiling > retryBackoffCap {
		ceiling = retryBackoffCap
	}
	half := int64(ceiling) / 2
	return time.Duration(half + rand.Int63n(half+1))
}
