package store

import (
	"database/sql"
	"fmt"

	"github.com/driftwatch/driftwatch/internal/model"
)

const targetColumns = `id, url, domain, base_interval_s, min_interval_s, max_interval_s,
	adaptive_json, rate_limit_json, tracked_fields_json, ignore_fields_json, grace_period_s, enabled,
	last_polled_at_ns, last_success_at_ns, consecutive_failures, breaker_state, breaker_opened_at_ns,
	breaker_probe_successes, current_change_rate, change_history_json, created_at_ns, updated_at_ns`

// execUpsertTarget runs the target upsert on any Exec-capable handle.
// On update, created_at_ns is preserved (not overwritten).
func execUpsertTarget(e interface {
	Exec(query string, args ...any) (sql.Result, error)
}, t *model.PollingTarget) error {
	adaptiveJSON, err := encodeJSONColumn(t.Adaptive)
	if err != nil {
		return fmt.Errorf("encode adaptive policy: %w", err)
	}
	rateLimitJSON, err := encodeJSONColumn(t.RateLimit)
	if err != nil {
		return fmt.Errorf("encode rate limit policy: %w", err)
	}
	trackedJSON, err := encodeJSONColumn(t.TrackedFields)
	if err != nil {
		return fmt.Errorf("encode tracked fields: %w", err)
	}
	ignoreJSON, err := encodeJSONColumn(t.IgnoreFields)
	if err != nil {
		return fmt.Errorf("encode ignore fields: %w", err)
	}
	historyJSON, err := encodeJSONColumn(t.ChangeHistory)
	if err != nil {
		return fmt.Errorf("encode change history: %w", err)
	}

	_, err = e.Exec(`
		INSERT INTO polling_targets (id, url, domain, base_interval_s, min_interval_s, max_interval_s,
		                             adaptive_json, rate_limit_json, tracked_fields_json, ignore_fields_json,
		                             grace_period_s, enabled, last_polled_at_ns, last_success_at_ns,
		                             consecutive_failures, breaker_state, breaker_opened_at_ns,
		                             breaker_probe_successes, current_change_rate, change_history_json,
		                             created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url                     = excluded.url,
			domain                  = excluded.domain,
			base_interval_s         = excluded.base_interval_s,
			min_interval_s          = excluded.min_interval_s,
			max_interval_s          = excluded.max_interval_s,
			adaptive_json           = excluded.adaptive_json,
			rate_limit_json         = excluded.rate_limit_json,
			tracked_fields_json     = excluded.tracked_fields_json,
			ignore_fields_json      = excluded.ignore_fields_json,
			grace_period_s          = excluded.grace_period_s,
			enabled                 = excluded.enabled,
			last_polled_at_ns       = excluded.last_polled_at_ns,
			last_success_at_ns      = excluded.last_success_at_ns,
			consecutive_failures    = excluded.consecutive_failures,
			breaker_state           = excluded.breaker_state,
			breaker_opened_at_ns    = excluded.breaker_opened_at_ns,
			breaker_probe_successes = excluded.breaker_probe_successes,
			current_change_rate     = excluded.current_change_rate,
			change_history_json     = excluded.change_history_json,
			updated_at_ns           = excluded.updated_at_ns
	`, t.ID, t.URL, t.Domain, t.BaseIntervalS, t.MinIntervalS, t.MaxIntervalS,
		adaptiveJSON, rateLimitJSON, trackedJSON, ignoreJSON,
		t.GracePeriodS, t.Enabled, t.LastPolledAtNs, t.LastSuccessAtNs,
		t.ConsecutiveFailures, string(t.BreakerState), t.BreakerOpenedAtNs,
		t.BreakerProbeSuccesses, t.CurrentChangeRate, historyJSON,
		t.CreatedAtNs, t.UpdatedAtNs)
	return err
}

func scanTarget(s rowScanner) (*model.PollingTarget, error) {
	var t model.PollingTarget
	var breakerState string
	var adaptiveJSON, rateLimitJSON, trackedJSON, ignoreJSON, historyJSON string
	if err := s.Scan(
		&t.ID, &t.URL, &t.Domain, &t.BaseIntervalS, &t.MinIntervalS, &t.MaxIntervalS,
		&adaptiveJSON, &rateLimitJSON, &trackedJSON, &ignoreJSON, &t.GracePeriodS, &t.Enabled,
		&t.LastPolledAtNs, &t.LastSuccessAtNs, &t.ConsecutiveFailures, &breakerState, &t.BreakerOpenedAtNs,
		&t.BreakerProbeSuccesses, &t.CurrentChangeRate, &historyJSON, &t.CreatedAtNs, &t.UpdatedAtNs,
	); err != nil {
		return nil, err
	}

	t.BreakerState = model.BreakerState(breakerState)
	if err := decodeJSONColumn(adaptiveJSON, &t.Adaptive); err != nil {
		return nil, fmt.Errorf("decode adaptive_json: %w", err)
	}
	if err := decodeJSONColumn(rateLimitJSON, &t.RateLimit); err != nil {
		return nil, fmt.Errorf("decode rate_limit_json: %w", err)
	}
	if err := decodeJSONColumn(trackedJSON, &t.TrackedFields); err != nil {
		return nil, fmt.Errorf("decode tracked_fields_json: %w", err)
	}
	if err := decodeJSONColumn(ignoreJSON, &t.IgnoreFields); err != nil {
		return nil, fmt.Errorf("decode ignore_fields_json: %w", err)
	}
	if err := decodeJSONColumn(historyJSON, &t.ChangeHistory); err != nil {
		return nil, fmt.Errorf("decode change_history_json: %w", err)
	}
	return &t, nil
}

// GetTarget returns a polling target by ID, or ErrNotFound.
func (r *Repo) GetTarget(id string) (*model.PollingTarget, error) {
	row := r.db.QueryRow("SELECT "+targetColumns+" FROM polling_targets WHERE id = ?", id)
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan target %s: %w", id, err)
	}
	return t, nil
}

// ListTargets returns all polling targets.
func (r *Repo) ListTargets() ([]model.PollingTarget, error) {
	rows, err := r.db.Query("SELECT " + targetColumns + " FROM polling_targets ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PollingTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// UpsertTarget inserts or updates a polling target by ID.
func (r *Repo) UpsertTarget(t *model.PollingTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return execUpsertTarget(r.db, t)
}

// DeleteTarget removes a polling target by ID, or returns ErrNotFound.
func (r *Repo) DeleteTarget(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM polling_targets WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- subscribers ---

const subscriberColumns = `id, type, endpoint, config_json, enabled, created_at_ns, updated_at_ns`

func scanSubscriber(s rowScanner) (*model.Subscriber, error) {
	var sub model.Subscriber
	var subType, configJSON string
	if err := s.Scan(&sub.ID, &subType, &sub.Endpoint, &configJSON, &sub.Enabled,
		&sub.CreatedAtNs, &sub.UpdatedAtNs); err != nil {
		return nil, err
	}
	sub.Type = model.SubscriberType(subType)
	if err := decodeJSONColumn(configJSON, &sub.Config); err != nil {
		return nil, fmt.Errorf("decode config_json: %w", err)
	}
	return &sub, nil
}

// GetSubscriber returns a subscriber by ID, or ErrNotFound.
func (r *Repo) GetSubscriber(id string) (*model.Subscriber, error) {
	row := r.db.QueryRow("SELECT "+subscriberColumns+" FROM subscribers WHERE id = ?", id)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber %s: %w", id, err)
	}
	return sub, nil
}

// ListSubscribers returns all subscribers.
func (r *Repo) ListSubscribers() ([]model.Subscriber, error) {
	rows, err := r.db.Query("SELECT " + subscriberColumns + " FROM subscribers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sub)
	}
	return result, rows.Err()
}

// UpsertSubscriber inserts or updates a subscriber by ID.
// On update, created_at_ns is preserved (not overwritten).
func (r *Repo) UpsertSubscriber(sub *model.Subscriber) error {
	configJSON, err := encodeJSONColumn(sub.Config)
	if err != nil {
		return fmt.Errorf("encode subscriber config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO subscribers (id, type, endpoint, config_json, enabled, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type          = excluded.type,
			endpoint      = excluded.endpoint,
			config_json   = excluded.config_json,
			enabled       = excluded.enabled,
			updated_at_ns = excluded.updated_at_ns
	`, sub.ID, string(sub.Type), sub.Endpoint, configJSON, sub.Enabled, sub.CreatedAtNs, sub.UpdatedAtNs)
	return err
}

// DeleteSubscriber removes a subscriber by ID, or returns ErrNotFound.
func (r *Repo) DeleteSubscriber(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM subscribers WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
