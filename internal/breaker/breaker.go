// Package breaker implements the per-target circuit breaker. Breaker state
// lives on the polling target itself so trips survive restarts; this package
// holds only the transition rules and mutates the target in place. Callers
// persist the target through their normal write path.
package breaker

import (
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

// Settings are the breaker thresholds. Zero fields fall back to the
// built-in defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures that trip the breaker
	OpenDuration     time.Duration // cooldown before an OPEN breaker admits a probe
	HalfOpenProbes   int           // probe successes required to close again
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = time.Minute
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 3
	}
	return s
}

// Transition names a state change produced by a breaker call, for logging
// and metrics. TransitionNone means the state did not move.
type Transition string

const (
	TransitionNone     Transition = ""
	TransitionOpened   Transition = "OPENED"
	TransitionHalfOpen Transition = "HALF_OPENED"
	TransitionClosed   Transition = "CLOSED"
)

// state treats a zero-value target as CLOSED.
func state(t *model.PollingTarget) model.BreakerState {
	if t.BreakerState == "" {
		return model.BreakerClosed
	}
	return t.BreakerState
}

// Allow reports whether t may be polled at now. An OPEN breaker whose
// cooldown has elapsed flips to HALF_OPEN and admits the poll as its probe.
// The scheduler never runs two polls of one target concurrently, which is
// what keeps HALF_OPEN at a single probe at a time.
func Allow(t *model.PollingTarget, s Settings, now time.Time) (bool, Transition) {
	s = s.withDefaults()
	switch state(t) {
	case model.BreakerOpen:
		if now.UnixNano()-t.BreakerOpenedAtNs < s.OpenDuration.Nanoseconds() {
			return false, TransitionNone
		}
		t.BreakerState = model.BreakerHalfOpen
		t.BreakerProbeSuccesses = 0
		return true, TransitionHalfOpen
	case model.BreakerHalfOpen:
		return true, TransitionNone
	default:
		return true, TransitionNone
	}
}

// RecordSuccess applies a successful poll to t. In HALF_OPEN it counts the
// probe and closes the breaker once enough probes succeeded; in CLOSED it
// drifts the failure count back down one step instead of resetting it, so
// a flapping target keeps some of its history.
func RecordSuccess(t *model.PollingTarget, s Settings) Transition {
	s = s.withDefaults()
	switch state(t) {
	case model.BreakerHalfOpen:
		t.BreakerProbeSuccesses++
		if t.BreakerProbeSuccesses < s.HalfOpenProbes {
			return TransitionNone
		}
		t.BreakerState = model.BreakerClosed
		t.BreakerOpenedAtNs = 0
		t.BreakerProbeSuccesses = 0
		t.ConsecutiveFailures = 0
		return TransitionClosed
	case model.BreakerClosed:
		if t.ConsecutiveFailures > 0 {
			t.ConsecutiveFailures--
		}
	}
	return TransitionNone
}

// RecordFailure applies a failed poll at now. A HALF_OPEN probe failure
// reopens immediately; in CLOSED the breaker trips once the consecutive
// failure count reaches the threshold.
func RecordFailure(t *model.PollingTarget, s Settings, now time.Time) Transition {
	s = s.withDefaults()
	t.ConsecutiveFailures++
	switch state(t) {
	case model.BreakerHalfOpen:
		t.BreakerState = model.BreakerOpen
		t.BreakerOpenedAtNs = now.UnixNano()
		t.BreakerProbeSuccesses = 0
		return TransitionOpened
	case model.BreakerClosed:
		if t.ConsecutiveFailures < s.FailureThreshold {
			return TransitionNone
		}
		t.BreakerState = model.BreakerOpen
		t.BreakerOpenedAtNs = now.UnixNano()
		t.BreakerProbeSuccesses = 0
		return TransitionOpened
	}
	// A poll that started before the trip can still report its failure
	// while the breaker is already OPEN; the count was recorded above.
	return TransitionNone
}

// ForceHalfOpen flips an OPEN breaker straight to HALF_OPEN, skipping the
// cooldown. The reconciliation sweep uses it to retest every tripped target.
// Reports whether a flip happened.
func ForceHalfOpen(t *model.PollingTarget) bool {
	if state(t) != model.BreakerOpen {
		return false
	}
	t.BreakerState = model.BreakerHalfOpen
	t.BreakerProbeSuccesses = 0
	return true
}
