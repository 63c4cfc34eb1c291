// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StorePath  string
	PollLogDir string

	// Network
	ListenAddress   string
	AdminPort       int
	APIMaxBodyBytes int

	// Redis cache tier (empty RedisHost disables it)
	RedisHost string
	RedisPort int

	// Scheduler
	MaxConcurrentPolls int
	PollInterval       time.Duration
	ReconcileSchedule  string
	WatchdogInterval   time.Duration
	PollTaskCeiling    time.Duration
	DrainDeadline      time.Duration
	RequestTimeout     time.Duration
	PeakStartHour      int
	PeakEndHour        int

	// Diff
	MinSignificance float64

	// Dispatcher
	DispatchInterval   time.Duration
	DispatchBatchSize  int
	DispatchWorkers    int
	DispatchLease      time.Duration
	DispatchMaxRetries int
	DeliveryTimeout    time.Duration

	// Listing cache
	ListingCacheSize int
	ListingCacheTTL  time.Duration

	// Poll log
	PollLogQueueSize      int
	PollLogFlushBatchSize int
	PollLogFlushInterval  time.Duration
	PollLogDBMaxMB        int
	PollLogDBRetainCount  int

	// Metrics
	MetricBucketSeconds  int
	MetricRetentionHours int
	MetricFlushInterval  time.Duration

	// Seed
	SeedPath string

	// Auth / signing
	AdminToken                  string
	WebhookSecret               string
	DangerouslyAllowWeakSecrets bool

	// Logging
	LogLevel string
}

// DebugLogging reports whether verbose per-poll logging is enabled.
func (c *EnvConfig) DebugLogging() bool {
	return c.LogLevel == "debug"
}

// RedisAddr returns host:port for the Redis cache tier, or "" when disabled.
func (c *EnvConfig) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StorePath = envStr("STORE_PATH", "/var/lib/driftwatch")
	cfg.PollLogDir = envStr("POLL_LOG_DIR", "/var/log/driftwatch")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("LISTEN_ADDRESS", "0.0.0.0"))
	cfg.AdminPort = envInt("ADMIN_PORT", 8686, &errs)
	cfg.APIMaxBodyBytes = envInt("API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Redis ---
	cfg.RedisHost = strings.TrimSpace(envStr("REDIS_HOST", ""))
	cfg.RedisPort = envInt("REDIS_PORT", 6379, &errs)

	// --- Scheduler ---
	cfg.MaxConcurrentPolls = envInt("MAX_CONCURRENT_POLLS", 5, &errs)
	cfg.PollInterval = time.Duration(envInt("POLL_INTERVAL_MS", 1000, &errs)) * time.Millisecond
	cfg.ReconcileSchedule = envStr("RECONCILE_SCHEDULE", "0 3 * * *")
	cfg.WatchdogInterval = envDuration("WATCHDOG_INTERVAL", 30*time.Second, &errs)
	cfg.PollTaskCeiling = envDuration("POLL_TASK_CEILING", 5*time.Minute, &errs)
	cfg.DrainDeadline = envDuration("DRAIN_DEADLINE", 10*time.Second, &errs)
	cfg.RequestTimeout = envDuration("REQUEST_TIMEOUT", 30*time.Second, &errs)
	cfg.PeakStartHour, cfg.PeakEndHour = envPeakHours("PEAK_HOURS", 8, 22, &errs)

	// --- Diff ---
	cfg.MinSignificance = envFloat("MIN_SIGNIFICANCE", 0.1, &errs)

	// --- Dispatcher ---
	cfg.DispatchInterval = time.Duration(envInt("DISPATCH_INTERVAL_MS", 1000, &errs)) * time.Millisecond
	cfg.DispatchBatchSize = envInt("DISPATCH_BATCH_SIZE", 50, &errs)
	cfg.DispatchWorkers = envInt("DISPATCH_WORKERS", 4, &errs)
	cfg.DispatchLease = envDuration("DISPATCH_LEASE", 30*time.Second, &errs)
	cfg.DispatchMaxRetries = envInt("DISPATCH_MAX_RETRIES", 5, &errs)
	cfg.DeliveryTimeout = envDuration("DELIVERY_TIMEOUT", 10*time.Second, &errs)

	// --- Listing cache ---
	cfg.ListingCacheSize = envInt("LISTING_CACHE_SIZE", 10000, &errs)
	cfg.ListingCacheTTL = envDuration("LISTING_CACHE_TTL", 5*time.Minute, &errs)

	// --- Poll log ---
	cfg.PollLogQueueSize = envInt("POLL_LOG_QUEUE_SIZE", 4096, &errs)
	cfg.PollLogFlushBatchSize = envInt("POLL_LOG_FLUSH_BATCH_SIZE", 256, &errs)
	cfg.PollLogFlushInterval = envDuration("POLL_LOG_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.PollLogDBMaxMB = envInt("POLL_LOG_DB_MAX_MB", 256, &errs)
	cfg.PollLogDBRetainCount = envInt("POLL_LOG_DB_RETAIN_COUNT", 5, &errs)

	// --- Metrics ---
	cfg.MetricBucketSeconds = envInt("METRIC_BUCKET_SECONDS", 60, &errs)
	cfg.MetricRetentionHours = envInt("METRIC_RETENTION_HOURS", 168, &errs)
	cfg.MetricFlushInterval = envDuration("METRIC_FLUSH_INTERVAL", time.Minute, &errs)

	// --- Seed ---
	cfg.SeedPath = strings.TrimSpace(envStr("SEED_PATH", ""))

	// --- Auth / signing (must be defined; empty means disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("ADMIN_TOKEN")
	webhookSecret, hasWebhookSecret := os.LookupEnv("WEBHOOK_SECRET")
	cfg.AdminToken = adminToken
	cfg.WebhookSecret = webhookSecret
	cfg.DangerouslyAllowWeakSecrets = envBool("DANGEROUSLY_ALLOW_WEAK_SECRETS", false, &errs)

	// --- Logging ---
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(envStr("LOG_LEVEL", "info")))

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "ADMIN_TOKEN must be defined (can be empty)")
	}
	if !hasWebhookSecret {
		errs = append(errs, "WEBHOOK_SECRET must be defined (can be empty)")
	}
	if !cfg.DangerouslyAllowWeakSecrets {
		if IsWeakSecret(cfg.AdminToken) {
			errs = append(errs, "ADMIN_TOKEN is too weak (set DANGEROUSLY_ALLOW_WEAK_SECRETS=true to override)")
		}
		if IsWeakSecret(cfg.WebhookSecret) {
			errs = append(errs, "WEBHOOK_SECRET is too weak (set DANGEROUSLY_ALLOW_WEAK_SECRETS=true to override)")
		}
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "LISTEN_ADDRESS must not be empty")
	}

	validatePort("ADMIN_PORT", cfg.AdminPort, &errs)
	validatePositive("API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if cfg.RedisHost != "" {
		validatePort("REDIS_PORT", cfg.RedisPort, &errs)
	}

	validatePositive("MAX_CONCURRENT_POLLS", cfg.MaxConcurrentPolls, &errs)
	if cfg.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL_MS must be positive")
	}
	if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("RECONCILE_SCHEDULE: invalid cron expression %q: %v", cfg.ReconcileSchedule, err))
	}
	if cfg.WatchdogInterval <= 0 {
		errs = append(errs, "WATCHDOG_INTERVAL must be positive")
	}
	if cfg.PollTaskCeiling <= 0 {
		errs = append(errs, "POLL_TASK_CEILING must be positive")
	}
	if cfg.DrainDeadline <= 0 {
		errs = append(errs, "DRAIN_DEADLINE must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT must be positive")
	}
	if cfg.MinSignificance < 0 || cfg.MinSignificance > 1 {
		errs = append(errs, fmt.Sprintf("MIN_SIGNIFICANCE: must be within [0,1], got %v", cfg.MinSignificance))
	}

	if cfg.DispatchInterval <= 0 {
		errs = append(errs, "DISPATCH_INTERVAL_MS must be positive")
	}
	validatePositive("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize, &errs)
	validatePositive("DISPATCH_WORKERS", cfg.DispatchWorkers, &errs)
	if cfg.DispatchLease <= 0 {
		errs = append(errs, "DISPATCH_LEASE must be positive")
	}
	validatePositive("DISPATCH_MAX_RETRIES", cfg.DispatchMaxRetries, &errs)
	if cfg.DeliveryTimeout <= 0 {
		errs = append(errs, "DELIVERY_TIMEOUT must be positive")
	}

	validatePositive("LISTING_CACHE_SIZE", cfg.ListingCacheSize, &errs)
	if cfg.ListingCacheTTL <= 0 {
		errs = append(errs, "LISTING_CACHE_TTL must be positive")
	}

	validatePositive("POLL_LOG_QUEUE_SIZE", cfg.PollLogQueueSize, &errs)
	validatePositive("POLL_LOG_FLUSH_BATCH_SIZE", cfg.PollLogFlushBatchSize, &errs)
	if cfg.PollLogFlushInterval <= 0 {
		errs = append(errs, "POLL_LOG_FLUSH_INTERVAL must be positive")
	}
	validatePositive("POLL_LOG_DB_MAX_MB", cfg.PollLogDBMaxMB, &errs)
	validatePositive("POLL_LOG_DB_RETAIN_COUNT", cfg.PollLogDBRetainCount, &errs)
	if cfg.PollLogQueueSize < 2*cfg.PollLogFlushBatchSize {
		errs = append(errs, "POLL_LOG_QUEUE_SIZE must be at least 2x POLL_LOG_FLUSH_BATCH_SIZE")
	}

	validatePositive("METRIC_BUCKET_SECONDS", cfg.MetricBucketSeconds, &errs)
	validatePositive("METRIC_RETENTION_HOURS", cfg.MetricRetentionHours, &errs)
	if cfg.MetricFlushInterval <= 0 {
		errs = append(errs, "METRIC_FLUSH_INTERVAL must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL: must be debug or info, got %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// envPeakHours parses "start-end" hour-of-day ranges like "8-22". The range
// is half-open [start, end) in server local time; start > end wraps midnight.
func envPeakHours(key string, defStart, defEnd int, errs *[]string) (int, int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defStart, defEnd
	}
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		*errs = append(*errs, fmt.Sprintf("%s: expected start-end hours like 8-22, got %q", key, v))
		return defStart, defEnd
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 24 || start == end {
		*errs = append(*errs, fmt.Sprintf("%s: hours must be 0-23 (end up to 24) and distinct, got %q", key, v))
		return defStart, defEnd
	}
	return start, end
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
