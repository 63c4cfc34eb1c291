package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

const eventColumns = `event_id, event_type, source, listing_id, changed_fields_json,
	field_hash_before, field_hash_after, detected_at_ns, version, confidence, significance,
	metadata_json, status, retry_count, last_retry_at_ns, lease_expires_at_ns, created_at_ns`

const insertEventSQL = `
	INSERT INTO events (event_id, event_type, source, listing_id, changed_fields_json,
	                    field_hash_before, field_hash_after, detected_at_ns, version, confidence,
	                    significance, metadata_json, status, retry_count, last_retry_at_ns,
	                    lease_expires_at_ns, created_at_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func appendEventsTx(tx *sql.Tx, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		changedJSON, err := encodeJSONColumn(ev.ChangedFields)
		if err != nil {
			return fmt.Errorf("encode changed fields for %s: %w", ev.EventID, err)
		}
		metadataJSON, err := encodeJSONColumn(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", ev.EventID, err)
		}
		if _, err := stmt.Exec(
			ev.EventID, string(ev.EventType), ev.Source, ev.ListingID, changedJSON,
			ev.FieldHashBefore, ev.FieldHashAfter, ev.DetectedAtNs, ev.Version, ev.Confidence,
			string(ev.Significance), metadataJSON, string(ev.Status), ev.RetryCount, ev.LastRetryAtNs,
			ev.LeaseExpiresAtNs, ev.CreatedAtNs,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

// AppendEvents inserts new outbox events in a single transaction.
func (r *Repo) AppendEvents(events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("append events: begin: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventsTx(tx, events); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return tx.Commit()
}

func scanEvent(s rowScanner) (*model.ChangeEvent, error) {
	var ev model.ChangeEvent
	var eventType, significance, status string
	var changedJSON, metadataJSON string
	if err := s.Scan(
		&ev.EventID, &eventType, &ev.Source, &ev.ListingID, &changedJSON,
		&ev.FieldHashBefore, &ev.FieldHashAfter, &ev.DetectedAtNs, &ev.Version, &ev.Confidence,
		&significance, &metadataJSON, &status, &ev.RetryCount, &ev.LastRetryAtNs,
		&ev.LeaseExpiresAtNs, &ev.CreatedAtNs,
	); err != nil {
		return nil, err
	}

	ev.EventType = model.EventType(eventType)
	ev.Significance = model.Significance(significance)
	ev.Status = model.EventStatus(status)
	if err := decodeJSONColumn(changedJSON, &ev.ChangedFields); err != nil {
		return nil, fmt.Errorf("decode changed_fields_json: %w", err)
	}
	if err := decodeJSONColumn(metadataJSON, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata_json: %w", err)
	}
	return &ev, nil
}

// GetEvent returns an outbox event by ID, or ErrNotFound.
func (r *Repo) GetEvent(eventID string) (*model.ChangeEvent, error) {
	row := r.db.QueryRow("SELECT "+eventColumns+" FROM events WHERE event_id = ?", eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event %s: %w", eventID, err)
	}
	return ev, nil
}

// EventFilter narrows ListEvents. Zero values mean "no constraint";
// Limit <= 0 returns all matches.
type EventFilter struct {
	Status    model.EventStatus
	EventType model.EventType
	Source    string
	ListingID string
	Limit     int
	Offset    int
}

// ListEvents returns outbox events matching the filter, oldest first.
func (r *Repo) ListEvents(f EventFilter) ([]model.ChangeEvent, error) {
	q := "SELECT " + eventColumns + " FROM events"
	var args []any
	var conds []string
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.ListingID != "" {
		conds = append(conds, "listing_id = ?")
		args = append(args, f.ListingID)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at_ns, event_id"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}
	return result, rows.Err()
}

// ClaimPendingEvents atomically flips up to limit events to IN_FLIGHT with a
// delivery lease, oldest first. IN_FLIGHT events whose lease has expired are
// reclaimable (crash recovery for dead claimants).
//
// Per-listing ordering: an event is not claimable while an earlier event of
// the same (source, listing_id) is still undelivered. A FAILED predecessor
// blocks its successors only while it has retry budget left (retry_count <
// retryCap); a dead-lettered predecessor releases them. retryCap <= 0 means
// FAILED events always block.
func (r *Repo) ClaimPendingEvents(limit int, lease time.Duration, now time.Time, retryCap int) ([]model.ChangeEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowNs := now.UnixNano()
	leaseExpiry := now.Add(lease).UnixNano()
	if retryCap <= 0 {
		retryCap = 1 << 30
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim events: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE (status = ? OR (status = ? AND lease_expires_at_ns <= ?))
		  AND NOT EXISTS (
			SELECT 1 FROM events prior
			WHERE prior.source = events.source
			  AND prior.listing_id = events.listing_id
			  AND prior.version < events.version
			  AND (prior.status = ?
			       OR (prior.status = ? AND prior.lease_expires_at_ns > ?)
			       OR (prior.status = ? AND prior.retry_count < ?))
		  )
		ORDER BY created_at_ns, event_id
		LIMIT ?
	`, string(model.EventPending), string(model.EventInFlight), nowNs,
		string(model.EventPending),
		string(model.EventInFlight), nowNs,
		string(model.EventFailed), retryCap,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim events: select: %w", err)
	}

	var claimed []model.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim events: scan: %w", err)
		}
		claimed = append(claimed, *ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim events: iterate: %w", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	stmt, err := tx.Prepare("UPDATE events SET status = ?, lease_expires_at_ns = ? WHERE event_id = ?")
	if err != nil {
		return nil, fmt.Errorf("claim events: prepare: %w", err)
	}
	defer stmt.Close()

	for i := range claimed {
		if _, err := stmt.Exec(string(model.EventInFlight), leaseExpiry, claimed[i].EventID); err != nil {
			return nil, fmt.Errorf("claim events: flip %s: %w", claimed[i].EventID, err)
		}
		claimed[i].Status = model.EventInFlight
		claimed[i].LeaseExpiresAtNs = leaseExpiry
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim events: commit: %w", err)
	}
	return claimed, nil
}

// CompleteEvent records a delivery outcome for a claimed event and releases
// its lease. retryIncrement bumps retry_count and stamps last_retry_at_ns.
func (r *Repo) CompleteEvent(eventID string, outcome model.EventStatus, retryIncrement bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res sql.Result
	var err error
	if retryIncrement {
		res, err = r.db.Exec(`
			UPDATE events
			SET status = ?, retry_count = retry_count + 1, last_retry_at_ns = ?, lease_expires_at_ns = 0
			WHERE event_id = ?
		`, string(outcome), now.UnixNano(), eventID)
	} else {
		res, err = r.db.Exec(`
			UPDATE events SET status = ?, lease_expires_at_ns = 0 WHERE event_id = ?
		`, string(outcome), eventID)
	}
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

// ReleaseFailedEvent returns a FAILED event to PENDING keeping its retry
// count, so the dispatcher can re-attempt it after the backoff elapses.
func (r *Repo) ReleaseFailedEvent(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE events SET status = ?, lease_expires_at_ns = 0
		WHERE event_id = ? AND status = ?
	`, string(model.EventPending), eventID, string(model.EventFailed))
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

// RequeueEvent returns a dead-lettered (FAILED) event to PENDING with a
// fresh retry budget. Requeuing an event in any other state is ErrConflict.
func (r *Repo) RequeueEvent(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE events
		SET status = ?, retry_count = 0, lease_expires_at_ns = 0
		WHERE event_id = ? AND status = ?
	`, string(model.EventPending), eventID, string(model.EventFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := r.db.QueryRow("SELECT 1 FROM events WHERE event_id = ?", eventID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// CountEventsByStatus returns outbox counts grouped by status.
func (r *Repo) CountEventsByStatus() (map[model.EventStatus]int64, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM events GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[model.EventStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[model.EventStatus(status)] = count
	}
	return result, rows.Err()
}
