package config

import "time"

// RuntimeConfig holds all hot-updatable global settings.
// These are persisted in the database and served via GET /api/system/config.
type RuntimeConfig struct {
	// Fetch
	UserAgent      string   `json:"user_agent"`
	RequestTimeout Duration `json:"request_timeout"`

	// Diff
	MinSignificance float64 `json:"min_significance"`

	// Scheduler
	PeakStartHour     int    `json:"peak_start_hour"`
	PeakEndHour       int    `json:"peak_end_hour"`
	ReconcileSchedule string `json:"reconcile_schedule"`

	// Circuit breaker defaults (per-target state lives on the target)
	FailureThreshold int      `json:"failure_threshold"`
	OpenDuration     Duration `json:"open_duration"`
	HalfOpenProbe    int      `json:"half_open_probe"`

	// Dispatcher
	DeliveryTimeout    Duration `json:"delivery_timeout"`
	DispatchMaxRetries int      `json:"dispatch_max_retries"`

	// Poll log
	PollLogEnabled bool `json:"poll_log_enabled"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with built-in
// defaults. Boot overlays env-provided values via FromEnv; a persisted
// config from a previous run wins over both.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:      "driftwatch/1.0",
		RequestTimeout: Duration(30 * time.Second),

		MinSignificance: 0.1,

		PeakStartHour:     8,
		PeakEndHour:       22,
		ReconcileSchedule: "0 3 * * *",

		FailureThreshold: 5,
		OpenDuration:     Duration(60 * time.Second),
		HalfOpenProbe:    3,

		DeliveryTimeout:    Duration(10 * time.Second),
		DispatchMaxRetries: 5,

		PollLogEnabled: true,
	}
}

// FromEnv overlays the env-derived settings onto defaults, producing the
// runtime config used when no persisted config exists yet.
func FromEnv(env *EnvConfig) *RuntimeConfig {
	cfg := NewDefaultRuntimeConfig()
	cfg.RequestTimeout = Duration(env.RequestTimeout)
	cfg.MinSignificance = env.MinSignificance
	cfg.PeakStartHour = env.PeakStartHour
	cfg.PeakEndHour = env.PeakEndHour
	cfg.ReconcileSchedule = env.ReconcileSchedule
	cfg.DeliveryTimeout = Duration(env.DeliveryTimeout)
	cfg.DispatchMaxRetries = env.DispatchMaxRetries
	return cfg
}

// InPeakHours reports whether t falls inside the configured peak window.
// The window is half-open [start, end) in t's location; start > end wraps
// past midnight.
func (c *RuntimeConfig) InPeakHours(t time.Time) bool {
	h := t.Hour()
	if c.PeakStartHour < c.PeakEndHour {
		return h >= c.PeakStartHour && h < c.PeakEndHour
	}
	return h >= c.PeakStartHour || h < c.PeakEndHour
}
