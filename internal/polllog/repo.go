package polllog

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/store"
)

// Repo manages rolling SQLite databases for poll logs. Each DB is named
// poll_logs-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo that manages rolling poll log databases. maxBytes
// controls when the active DB is rotated; retainCount sets how many
// historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 128 * 1024 * 1024 // 128 MB default
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active poll log database. If a previous DB
// exists in the directory it is reused as active; a new one is created only
// when no existing DB is found.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("polllog repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("polllog repo open: %w", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		if err := r.openDB(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// Row is one poll log entry as stored.
type Row struct {
	ID                 string `json:"id"`
	TargetID           string `json:"target_id"`
	URL                string `json:"url"`
	StartedAtNs        int64  `json:"started_at_ns"`
	DurationNs         int64  `json:"duration_ns"`
	Outcome            string `json:"outcome"`
	PagesScraped       int    `json:"pages_scraped"`
	ListingsSeen       int    `json:"listings_seen"`
	EventsCreated      int    `json:"events_created"`
	EventsUpdated      int    `json:"events_updated"`
	EventsRemoved      int    `json:"events_removed"`
	SuppressedRemovals int    `json:"suppressed_removals"`
	BreakerTransition  string `json:"breaker_transition"`
	Error              string `json:"error"`
}

// InsertBatch inserts a batch of poll rows in a single transaction.
// Returns the number of rows successfully inserted.
func (r *Repo) InsertBatch(rows []Row) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("polllog repo: no active db")
	}

	// Check if rotation is needed before insert.
	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("polllog repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("polllog repo begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO poll_logs (
		id, target_id, url, started_at_ns, duration_ns, outcome,
		pages_scraped, listings_seen,
		events_created, events_updated, events_removed, suppressed_removals,
		breaker_transition, error
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("polllog repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range rows {
		e := &rows[i]
		_, err := stmt.Exec(
			e.ID, e.TargetID, e.URL, e.StartedAtNs, e.DurationNs, e.Outcome,
			e.PagesScraped, e.ListingsSeen,
			e.EventsCreated, e.EventsUpdated, e.EventsRemoved, e.SuppressedRemovals,
			e.BreakerTransition, e.Error,
		)
		if err != nil {
			log.Printf("[polllog] warning: skip row id=%q insert failed: %v", e.ID, err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("polllog repo commit: %w", err)
	}
	return inserted, nil
}

// ListFilter specifies query filters for listing poll logs.
type ListFilter struct {
	TargetID string
	Outcome  string
	Before   int64 // started_at_ns < Before (0 means no upper bound)
	After    int64 // started_at_ns > After (0 means no lower bound)
	Limit    int
	Offset   int
}

// List queries all retained DBs and returns matching rows ordered by
// started_at_ns DESC.
func (r *Repo) List(f ListFilter) ([]Row, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	// Fetch limit+offset total rows then skip first offset. Every retained
	// DB is queried and globally merge-sorted; a long poll can land in a DB
	// newer than its start timestamp, so file order alone is not enough.
	fetchLimit := limit + offset
	var results []Row
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[polllog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryRows(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[polllog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[polllog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAtNs != results[j].StartedAtNs {
			return results[i].StartedAtNs > results[j].StartedAtNs
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetByID looks up a single poll log entry across all retained DBs.
func (r *Repo) GetByID(id string) (*Row, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[polllog] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		row, err := queryRowByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[polllog] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[polllog] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := store.OpenDB(path)
	if err != nil {
		return err
	}
	if err := store.InitDB(db, CreateDDL); err != nil {
		db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("poll_logs-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("polllog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[polllog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	toRemove := files[:len(files)-r.retainCount]
	for _, f := range toRemove {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("polllog list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "poll_logs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const rowColumns = `id, target_id, url, started_at_ns, duration_ns, outcome,
	pages_scraped, listings_seen,
	events_created, events_updated, events_removed, suppressed_removals,
	breaker_transition, error`

func (r *Repo) queryRows(db *sql.DB, f ListFilter, limit int) ([]Row, error) {
	var where []string
	var args []any

	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.Before > 0 {
		where = append(where, "started_at_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "started_at_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT " + rowColumns + " FROM poll_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		var s Row
		if err := scanRow(rows.Scan, &s); err != nil {
			log.Printf("[polllog] warning: skip malformed row during scan: %v", err)
			continue
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func queryRowByID(db *sql.DB, id string) (*Row, error) {
	row := db.QueryRow("SELECT "+rowColumns+" FROM poll_logs WHERE id = ?", id)
	var s Row
	if err := scanRow(row.Scan, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanRow(scan func(...any) error, s *Row) error {
	return scan(
		&s.ID, &s.TargetID, &s.URL, &s.StartedAtNs, &s.DurationNs, &s.Outcome,
		&s.PagesScraped, &s.ListingsSeen,
		&s.EventsCreated, &s.EventsUpdated, &s.EventsRemoved, &s.SuppressedRemovals,
		&s.BreakerTransition, &s.Error,
	)
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
