package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
)

// Repo wraps store.db and provides transactional CRUD for all durable data:
// listings, polling targets, subscribers, the event outbox, and the
// persisted runtime config. All writes are serialized by an internal mutex.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// newRepo creates a Repo for the given store.db connection.
func newRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// --- system_config ---

// GetSystemConfig loads the runtime config and version from store.db.
// Returns nil config and version 0 if no row exists.
func (r *Repo) GetSystemConfig() (*config.RuntimeConfig, int, error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	cfg := &config.RuntimeConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal system_config: %w", err)
	}
	return cfg, version, nil
}

// SaveSystemConfig persists the runtime config with the given version.
func (r *Repo) SaveSystemConfig(cfg *config.RuntimeConfig, version int, updatedAtNs int64) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal system_config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), version, updatedAtNs)
	return err
}

// --- poll outcome commit ---

// CommitPollOutcome persists everything one poll cycle produced in a single
// transaction: listing mutations, new outbox events, and the target's
// runtime state. Either all of it lands or none of it does, which is what
// keeps the per-listing event version sequence gapless across crashes.
func (r *Repo) CommitPollOutcome(target *model.PollingTarget, listings []model.CanonicalListing, events []model.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("commit poll outcome: begin: %w", err)
	}
	defer tx.Rollback()

	if len(listings) > 0 {
		stmt, err := tx.Prepare(upsertListingSQL)
		if err != nil {
			return fmt.Errorf("commit poll outcome: prepare listings: %w", err)
		}
		for i := range listings {
			if err := execUpsertListing(stmt, &listings[i]); err != nil {
				stmt.Close()
				return fmt.Errorf("commit poll outcome: listing %s/%s: %w",
					listings[i].Source, listings[i].ListingID, err)
			}
		}
		stmt.Close()
	}

	if err := appendEventsTx(tx, events); err != nil {
		return fmt.Errorf("commit poll outcome: %w", err)
	}

	if target != nil {
		if err := execUpsertTarget(tx, target); err != nil {
			return fmt.Errorf("commit poll outcome: target %s: %w", target.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit poll outcome: commit: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- JSON column helpers ---

func encodeJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONColumn(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
