// Package polllog implements the structured poll log subsystem.
// Poll records are written asynchronously to rolling SQLite databases.
package polllog

// CreateDDL defines the schema for poll log databases. Each rolling DB
// gets its own poll_logs table.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS poll_logs (
	id                  TEXT PRIMARY KEY,
	target_id           TEXT NOT NULL,
	url                 TEXT NOT NULL DEFAULT '',
	started_at_ns       INTEGER NOT NULL,
	duration_ns         INTEGER NOT NULL DEFAULT 0,
	outcome             TEXT NOT NULL,
	pages_scraped       INTEGER NOT NULL DEFAULT 0,
	listings_seen       INTEGER NOT NULL DEFAULT 0,
	events_created      INTEGER NOT NULL DEFAULT 0,
	events_updated      INTEGER NOT NULL DEFAULT 0,
	events_removed      INTEGER NOT NULL DEFAULT 0,
	suppressed_removals INTEGER NOT NULL DEFAULT 0,
	breaker_transition  TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_poll_logs_started_at ON poll_logs(started_at_ns);
CREATE INDEX IF NOT EXISTS idx_poll_logs_target_id  ON poll_logs(target_id);
CREATE INDEX IF NOT EXISTS idx_poll_logs_outcome    ON poll_logs(outcome);
`
