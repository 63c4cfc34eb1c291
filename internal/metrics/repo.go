package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftwatch/driftwatch/internal/store"
)

// MetricsDBDDL defines the schema for metrics.db.
const MetricsDBDDL = `
CREATE TABLE IF NOT EXISTS metrics_history (
	bucket_start_unix    INTEGER PRIMARY KEY,
	polls_success        INTEGER NOT NULL DEFAULT 0,
	polls_no_change      INTEGER NOT NULL DEFAULT 0,
	polls_failure        INTEGER NOT NULL DEFAULT 0,
	polls_rate_limited   INTEGER NOT NULL DEFAULT 0,
	events_created       INTEGER NOT NULL DEFAULT 0,
	events_updated       INTEGER NOT NULL DEFAULT 0,
	events_removed       INTEGER NOT NULL DEFAULT 0,
	suppressed_removals  INTEGER NOT NULL DEFAULT 0,
	deliveries_processed INTEGER NOT NULL DEFAULT 0,
	deliveries_failed    INTEGER NOT NULL DEFAULT 0,
	dead_letters         INTEGER NOT NULL DEFAULT 0,
	pages_scraped        INTEGER NOT NULL DEFAULT 0,
	listings_seen        INTEGER NOT NULL DEFAULT 0,
	breaker_opened       INTEGER NOT NULL DEFAULT 0,
	breaker_half_opened  INTEGER NOT NULL DEFAULT 0,
	breaker_closed       INTEGER NOT NULL DEFAULT 0,
	poll_duration_sum_ms INTEGER NOT NULL DEFAULT 0,
	poll_duration_count  INTEGER NOT NULL DEFAULT 0
);
`

// HistoryBucketRow is one persisted aggregation window.
type HistoryBucketRow struct {
	BucketStartUnix int64 `json:"bucket_start_unix"`

	PollsSuccess     int64 `json:"polls_success"`
	PollsNoChange    int64 `json:"polls_no_change"`
	PollsFailure     int64 `json:"polls_failure"`
	PollsRateLimited int64 `json:"polls_rate_limited"`

	EventsCreated      int64 `json:"events_created"`
	EventsUpdated      int64 `json:"events_updated"`
	EventsRemoved      int64 `json:"events_removed"`
	SuppressedRemovals int64 `json:"suppressed_removals"`

	DeliveriesProcessed int64 `json:"deliveries_processed"`
	DeliveriesFailed    int64 `json:"deliveries_failed"`
	DeadLetters         int64 `json:"dead_letters"`

	PagesScraped int64 `json:"pages_scraped"`
	ListingsSeen int64 `json:"listings_seen"`

	BreakerOpened   int64 `json:"breaker_opened"`
	BreakerHalfOpen int64 `json:"breaker_half_opened"`
	BreakerClosed   int64 `json:"breaker_closed"`

	PollDurationSumMs int64 `json:"poll_duration_sum_ms"`
	PollDurationCount int64 `json:"poll_duration_count"`
}

// MetricsRepo persists metric buckets to metrics.db.
type MetricsRepo struct {
	db *sql.DB
}

// NewMetricsRepo opens (or creates) metrics.db at the given path and
// initializes the schema.
func NewMetricsRepo(path string) (*MetricsRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("metrics repo mkdir: %w", err)
	}
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("metrics repo open: %w", err)
	}
	if err := store.InitDB(db, MetricsDBDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics repo init: %w", err)
	}
	return &MetricsRepo{db: db}, nil
}

// Close closes the database.
func (r *MetricsRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// WriteBucket persists one bucket. The upsert is additive so a restart that
// lands inside a previously flushed window merges instead of overwriting.
func (r *MetricsRepo) WriteBucket(data *BucketFlushData) error {
	if data == nil {
		return nil
	}
	c := data.Counts
	_, err := r.db.Exec(`INSERT INTO metrics_history (
		bucket_start_unix,
		polls_success, polls_no_change, polls_failure, polls_rate_limited,
		events_created, events_updated, events_removed, suppressed_removals,
		deliveries_processed, deliveries_failed, dead_letters,
		pages_scraped, listings_seen,
		breaker_opened, breaker_half_opened, breaker_closed,
		poll_duration_sum_ms, poll_duration_count
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(bucket_start_unix) DO UPDATE SET
		polls_success        = polls_success + excluded.polls_success,
		polls_no_change      = polls_no_change + excluded.polls_no_change,
		polls_failure        = polls_failure + excluded.polls_failure,
		polls_rate_limited   = polls_rate_limited + excluded.polls_rate_limited,
		events_created       = events_created + excluded.events_created,
		events_updated       = events_updated + excluded.events_updated,
		events_removed       = events_removed + excluded.events_removed,
		suppressed_removals  = suppressed_removals + excluded.suppressed_removals,
		deliveries_processed = deliveries_processed + excluded.deliveries_processed,
		deliveries_failed    = deliveries_failed + excluded.deliveries_failed,
		dead_letters         = dead_letters + excluded.dead_letters,
		pages_scraped        = pages_scraped + excluded.pages_scraped,
		listings_seen        = listings_seen + excluded.listings_seen,
		breaker_opened       = breaker_opened + excluded.breaker_opened,
		breaker_half_opened  = breaker_half_opened + excluded.breaker_half_opened,
		breaker_closed       = breaker_closed + excluded.breaker_closed,
		poll_duration_sum_ms = poll_duration_sum_ms + excluded.poll_duration_sum_ms,
		poll_duration_count  = poll_duration_count + excluded.poll_duration_count`,
		data.BucketStartUnix,
		c.PollsSuccess, c.PollsNoChange, c.PollsFailure, c.PollsRateLimited,
		c.EventsCreated, c.EventsUpdated, c.EventsRemoved, c.SuppressedRemovals,
		c.DeliveriesProcessed, c.DeliveriesFailed, c.DeadLetters,
		c.PagesScraped, c.ListingsSeen,
		c.BreakerOpened, c.BreakerHalfOpen, c.BreakerClosed,
		c.PollDurationSumMs, c.PollDurationCount)
	if err != nil {
		return fmt.Errorf("metrics repo upsert bucket: %w", err)
	}
	return nil
}

// QueryHistory returns bucket rows in [fromUnix, toUnix], ascending by
// bucket start.
func (r *MetricsRepo) QueryHistory(fromUnix, toUnix int64) ([]HistoryBucketRow, error) {
	rows, err := r.db.Query(`SELECT
		bucket_start_unix,
		polls_success, polls_no_change, polls_failure, polls_rate_limited,
		events_created, events_updated, events_removed, suppressed_removals,
		deliveries_processed, deliveries_failed, dead_letters,
		pages_scraped, listings_seen,
		breaker_opened, breaker_half_opened, breaker_closed,
		poll_duration_sum_ms, poll_duration_count
	FROM metrics_history
	WHERE bucket_start_unix >= ? AND bucket_start_unix <= ?
	ORDER BY bucket_start_unix ASC`, fromUnix, toUnix)
	if err != nil {
		return nil, fmt.Errorf("metrics repo query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryBucketRow
	for rows.Next() {
		var row HistoryBucketRow
		if err := rows.Scan(
			&row.BucketStartUnix,
			&row.PollsSuccess, &row.PollsNoChange, &row.PollsFailure, &row.PollsRateLimited,
			&row.EventsCreated, &row.EventsUpdated, &row.EventsRemoved, &row.SuppressedRemovals,
			&row.DeliveriesProcessed, &row.DeliveriesFailed, &row.DeadLetters,
			&row.PagesScraped, &row.ListingsSeen,
			&row.BreakerOpened, &row.BreakerHalfOpen, &row.BreakerClosed,
			&row.PollDurationSumMs, &row.PollDurationCount,
		); err != nil {
			return nil, fmt.Errorf("metrics repo scan history row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PruneBefore deletes bucket rows older than cutoffUnix and returns the
// number of rows removed.
func (r *MetricsRepo) PruneBefore(cutoffUnix int64) (int64, error) {
	res, err := r.db.Exec("DELETE FROM metrics_history WHERE bucket_start_unix < ?", cutoffUnix)
	if err != nil {
		return 0, fmt.Errorf("metrics repo prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("metrics repo prune rows affected: %w", err)
	}
	return n, nil
}
