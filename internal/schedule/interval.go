// Package schedule drives the polling loop: it decides when each target is
// due, runs poll tasks under a concurrency cap, and owns the reconciliation
// sweep and the watchdog.
package schedule

import (
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
)

const (
	failureBackoffBase = time.Second
	failureBackoffCap  = 5 * time.Minute
	offPeakStretch     = 1.5
	breakerOpenStretch = 2.0
)

// NextInterval computes the adaptive polling interval for a target from its
// persisted state. The result always clamps into [MinIntervalS, MaxIntervalS].
//
// An active target (change rate above the threshold) polls faster by
// ActivityBoost; a quiet, healthy target slows down by StabilityBonus.
// Off-peak hours stretch the interval by 1.5x and an OPEN breaker by 2x,
// both before the final clamp.
func NextInterval(t *model.PollingTarget, cfg *config.RuntimeConfig, now time.Time) time.Duration {
	base := float64(t.BaseIntervalS)
	minS := float64(t.MinIntervalS)
	maxS := float64(t.MaxIntervalS)

	interval := base
	switch {
	case t.CurrentChangeRate > t.Adaptive.ChangeThreshold && t.Adaptive.ActivityBoost >= 1:
		interval = base / t.Adaptive.ActivityBoost
		if interval < minS {
			interval = minS
		}
	case t.CurrentChangeRate == 0 && t.ConsecutiveFailures == 0 && t.Adaptive.StabilityBonus > 0:
		interval = base * t.Adaptive.StabilityBonus
		if interval > maxS {
			interval = maxS
		}
	}

	if cfg != nil && !cfg.InPeakHours(now) {
		interval *= offPeakStretch
		if interval > maxS {
			interval = maxS
		}
	}
	if t.BreakerState == model.BreakerOpen {
		interval *= breakerOpenStretch
		if interval > maxS {
			interval = maxS
		}
	}

	if interval < minS {
		interval = minS
	}
	if interval > maxS {
		interval = maxS
	}
	return time.Duration(interval * float64(time.Second))
}

// failureBackoff is the extra delay stacked on the adaptive interval after
// consecutive failures: min(1s * 2^min(failures, 4), 5min).
func failureBackoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	exp := consecutiveFailures
	if exp > 4 {
		exp = 4
	}
	backoff := failureBackoffBase << exp
	if backoff > failureBackoffCap {
		backoff = failureBackoffCap
	}
	return backoff
}

// dueAt returns the earliest instant the target may be polled again.
func dueAt(t *model.PollingTarget, cfg *config.RuntimeConfig, now time.Time) time.Time {
	if t.LastPolledAtNs == 0 {
		return time.Unix(0, 0)
	}
	next := NextInterval(t, cfg, now) + failureBackoff(t.ConsecutiveFailures)
	return time.Unix(0, t.LastPolledAtNs).Add(next)
}

// ChangeRate computes the target's changes-per-hour over its learning window
// from the persisted change history. A zero learning window defaults to 1h.
func ChangeRate(history []model.TargetChange, learningWindowHours float64, now time.Time) float64 {
	if learningWindowHours <= 0 {
		learningWindowHours = 1
	}
	cutoff := now.Add(-time.Duration(learningWindowHours * float64(time.Hour))).UnixNano()
	var changes int
	for _, h := range history {
		if h.AtNs >= cutoff {
			changes += h.EventCount
		}
	}
	return float64(changes) / learningWindowHours
}

// trimHistory drops change-history entries older than 24h.
func trimHistory(history []model.TargetChange, now time.Time) []model.TargetChange {
	cutoff := now.Add(-24 * time.Hour).UnixNano()
	out := history[:0]
	for _, h := range history {
		if h.AtNs >= cutoff {
			out = append(out, h)
		}
	}
	return out
}
