package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

// RepairConsistency reconciles rows a crash can leave behind. IN_FLIGHT
// outbox events whose delivery lease has expired are returned to PENDING so
// the dispatcher can reclaim them, and OPEN breaker states with no recorded
// open timestamp are reset to CLOSED. Both updates execute in a single
// transaction to avoid half-repaired state on crash.
func RepairConsistency(db *sql.DB, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE events SET status = ?, lease_expires_at_ns = 0
		WHERE status = ? AND lease_expires_at_ns <= ?
	`, string(model.EventPending), string(model.EventInFlight), now.UnixNano())
	if err != nil {
		return fmt.Errorf("release expired event leases: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release expired event leases: %w", err)
	}

	res, err = tx.Exec(`
		UPDATE polling_targets
		SET breaker_state = ?, consecutive_failures = 0, breaker_probe_successes = 0
		WHERE breaker_state = ? AND breaker_opened_at_ns = 0
	`, string(model.BreakerClosed), string(model.BreakerOpen))
	if err != nil {
		return fmt.Errorf("reset orphaned open breakers: %w", err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset orphaned open breakers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if released > 0 || reset > 0 {
		log.Printf("[store] consistency repair: released %d expired event leases, reset %d orphaned open breakers", released, reset)
	}
	return nil
}
