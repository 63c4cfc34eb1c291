// Package ratelimit enforces per-domain request budgets with sliding
// per-minute and per-hour windows plus a burst cap on concurrent requests.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/driftwatch/driftwatch/internal/model"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	// Burst slots free when an in-flight request finishes, not on a
	// schedule, so a saturated burst cap reports a short fixed retry.
	burstRetryAfter = time.Second
)

// Limiter tracks request budgets per domain. All targets sharing a domain
// share one budget regardless of their individual policies.
type Limiter struct {
	domains *xsync.Map[string, *domainState]
}

// domainState holds one domain's accounting. stamps is ascending and pruned
// to the hour window; the minute window is its tail.
type domainState struct {
	mu       sync.Mutex
	stamps   []int64
	inFlight int
}

// Usage is a point-in-time view of one domain's budget consumption.
type Usage struct {
	LastMinute int `json:"last_minute"`
	LastHour   int `json:"last_hour"`
	InFlight   int `json:"in_flight"`
}

func New() *Limiter {
	return &Limiter{domains: xsync.NewMap[string, *domainState]()}
}

// Allow admits or denies a request against domain's budget at now.
// On admission it records the request, claims a burst slot, and returns a
// release func the caller must invoke when the outbound request finishes.
// On denial release is nil and retryAfter is the earliest instant the
// request could be admitted; it is always positive.
//
// A policy field that is zero or negative disables that constraint.
func (l *Limiter) Allow(domain string, policy model.RateLimitPolicy, now time.Time) (ok bool, retryAfter time.Duration, release func()) {
	st, _ := l.domains.LoadOrCompute(domain, func() (*domainState, bool) {
		return &domainState{}, false
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	nowNs := now.UnixNano()
	st.prune(nowNs)

	var wait time.Duration
	if policy.PerHour > 0 && len(st.stamps) >= policy.PerHour {
		// Admission needs the window count back under the cap; the blocking
		// entry is the PerHour-th newest.
		freeAt := st.stamps[len(st.stamps)-policy.PerHour] + hourWindow.Nanoseconds()
		if d := time.Duration(freeAt - nowNs); d > wait {
			wait = d
		}
	}
	if n := st.countSince(nowNs - minuteWindow.Nanoseconds()); policy.PerMinute > 0 && n >= policy.PerMinute {
		freeAt := st.stamps[len(st.stamps)-policy.PerMinute] + minuteWindow.Nanoseconds()
		if d := time.Duration(freeAt - nowNs); d > wait {
			wait = d
		}
	}
	if policy.Burst > 0 && st.inFlight >= policy.Burst {
		if burstRetryAfter > wait {
			wait = burstRetryAfter
		}
	}
	if wait > 0 {
		return false, wait, nil
	}

	st.stamps = append(st.stamps, nowNs)
	st.inFlight++
	released := false
	return true, 0, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if released {
			return
		}
		released = true
		if st.inFlight > 0 {
			st.inFlight--
		}
	}
}

// Usage reports domain's current window counts and in-flight requests.
func (l *Limiter) Usage(domain string, now time.Time) Usage {
	st, ok := l.domains.Load(domain)
	if !ok {
		return Usage{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	nowNs := now.UnixNano()
	st.prune(nowNs)
	return Usage{
		LastMinute: st.countSince(nowNs - minuteWindow.Nanoseconds()),
		LastHour:   len(st.stamps),
		InFlight:   st.inFlight,
	}
}

// Len reports the number of domains currently tracked.
func (l *Limiter) Len() int {
	return l.domains.Size()
}

// PruneIdle drops domains with no in-window history and no in-flight
// requests, and reports how many were removed.
func (l *Limiter) PruneIdle(now time.Time) int {
	nowNs := now.UnixNano()
	removed := 0
	l.domains.Range(func(domain string, _ *domainState) bool {
		l.domains.Compute(domain, func(st *domainState, loaded bool) (*domainState, xsync.ComputeOp) {
			if !loaded {
				return st, xsync.CancelOp
			}
			st.mu.Lock()
			defer st.mu.Unlock()
			st.prune(nowNs)
			if len(st.stamps) == 0 && st.inFlight == 0 {
				removed++
				return st, xsync.DeleteOp
			}
			return st, xsync.CancelOp
		})
		return true
	})
	return removed
}

// prune drops entries that left the hour window. Callers hold s.mu.
func (s *domainState) prune(nowNs int64) {
	cut := nowNs - hourWindow.Nanoseconds()
	i := 0
	for i < len(s.stamps) && s.stamps[i] <= cut {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

// countSince reports how many entries are newer than cutNs. Callers hold s.mu.
func (s *domainState) countSince(cutNs int64) int {
	n := 0
	for i := len(s.stamps) - 1; i >= 0 && s.stamps[i] > cutNs; i-- {
		n++
	}
	return n
}
