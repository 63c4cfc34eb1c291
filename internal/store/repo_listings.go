package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/driftwatch/driftwatch/internal/model"
)

const listingColumns = `source, listing_id, first_seen_at_ns, last_seen_at_ns, status, title, price,
	condition, location, url, image_urls_json, field_hash, version, etag, last_modified,
	tracked_json, change_history_json, meta_json, raw_json, updated_at_ns`

const upsertListingSQL = `
	INSERT INTO listings (source, listing_id, first_seen_at_ns, last_seen_at_ns, status, title, price,
	                      condition, location, url, image_urls_json, field_hash, version, etag, last_modified,
	                      tracked_json, change_history_json, meta_json, raw_json, updated_at_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, listing_id) DO UPDATE SET
		first_seen_at_ns    = listings.first_seen_at_ns,
		last_seen_at_ns     = excluded.last_seen_at_ns,
		status              = excluded.status,
		title               = excluded.title,
		price               = excluded.price,
		condition           = excluded.condition,
		location            = excluded.location,
		url                 = excluded.url,
		image_urls_json     = excluded.image_urls_json,
		field_hash          = excluded.field_hash,
		version             = excluded.version,
		etag                = excluded.etag,
		last_modified       = excluded.last_modified,
		tracked_json        = excluded.tracked_json,
		change_history_json = excluded.change_history_json,
		meta_json           = excluded.meta_json,
		raw_json            = excluded.raw_json,
		updated_at_ns       = excluded.updated_at_ns`

func execUpsertListing(stmt *sql.Stmt, l *model.CanonicalListing) error {
	imageURLsJSON, err := encodeJSONColumn(l.ImageURLs)
	if err != nil {
		return fmt.Errorf("encode image_urls: %w", err)
	}
	trackedJSON, err := encodeJSONColumn(l.TrackedFields)
	if err != nil {
		return fmt.Errorf("encode tracked fields: %w", err)
	}
	historyJSON, err := encodeJSONColumn(l.ChangeHistory)
	if err != nil {
		return fmt.Errorf("encode change history: %w", err)
	}
	metaJSON, err := encodeJSONColumn(l.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	raw := "null"
	if len(l.RawData) > 0 {
		raw = string(l.RawData)
	}

	_, err = stmt.Exec(
		l.Source, l.ListingID, l.FirstSeenAtNs, l.LastSeenAtNs, string(l.Status), l.Title, l.Price,
		l.Condition, l.Location, l.URL, imageURLsJSON, l.FieldHash, l.Version, l.ETag, l.LastModified,
		trackedJSON, historyJSON, metaJSON, raw, l.UpdatedAtNs,
	)
	return err
}

func scanListing(s rowScanner) (*model.CanonicalListing, error) {
	var l model.CanonicalListing
	var status string
	var price sql.NullFloat64
	var imageURLsJSON, trackedJSON, historyJSON, metaJSON, rawJSON string
	if err := s.Scan(
		&l.Source, &l.ListingID, &l.FirstSeenAtNs, &l.LastSeenAtNs, &status, &l.Title, &price,
		&l.Condition, &l.Location, &l.URL, &imageURLsJSON, &l.FieldHash, &l.Version, &l.ETag, &l.LastModified,
		&trackedJSON, &historyJSON, &metaJSON, &rawJSON, &l.UpdatedAtNs,
	); err != nil {
		return nil, err
	}

	l.Status = model.ListingStatus(status)
	if price.Valid {
		v := price.Float64
		l.Price = &v
	}
	if err := decodeJSONColumn(imageURLsJSON, &l.ImageURLs); err != nil {
		return nil, fmt.Errorf("decode image_urls_json: %w", err)
	}
	if err := decodeJSONColumn(trackedJSON, &l.TrackedFields); err != nil {
		return nil, fmt.Errorf("decode tracked_json: %w", err)
	}
	if err := decodeJSONColumn(historyJSON, &l.ChangeHistory); err != nil {
		return nil, fmt.Errorf("decode change_history_json: %w", err)
	}
	if err := decodeJSONColumn(metaJSON, &l.Meta); err != nil {
		return nil, fmt.Errorf("decode meta_json: %w", err)
	}
	if rawJSON != "" && rawJSON != "null" {
		l.RawData = json.RawMessage(rawJSON)
	}
	return &l, nil
}

// GetListing returns the canonical listing for a key, or ErrNotFound.
func (r *Repo) GetListing(key model.ListingKey) (*model.CanonicalListing, error) {
	row := r.db.QueryRow(
		"SELECT "+listingColumns+" FROM listings WHERE source = ? AND listing_id = ?",
		key.Source, key.ListingID,
	)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing %s/%s: %w", key.Source, key.ListingID, err)
	}
	return l, nil
}

// ListingFilter narrows ListListings. Zero values mean "no constraint";
// Limit <= 0 returns all matches.
type ListingFilter struct {
	Source string
	Status model.ListingStatus
	Limit  int
	Offset int
}

// ListListings returns listings matching the filter, ordered by key.
func (r *Repo) ListListings(f ListingFilter) ([]model.CanonicalListing, error) {
	q := "SELECT " + listingColumns + " FROM listings"
	var args []any
	var conds []string
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY source, listing_id"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CanonicalListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

// UpsertListing inserts or fully replaces a canonical listing row.
func (r *Repo) UpsertListing(l *model.CanonicalListing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stmt, err := r.db.Prepare(upsertListingSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert listing: %w", err)
	}
	defer stmt.Close()
	return execUpsertListing(stmt, l)
}

// MarkListingRemoved flips a listing to REMOVED, sets its last-seen time to
// the detection time, and bumps its version. Already-removed listings are
// left untouched; a missing listing returns ErrNotFound.
func (r *Repo) MarkListingRemoved(key model.ListingKey, detectedAtNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE listings
		SET status = ?, last_seen_at_ns = ?, version = version + 1, updated_at_ns = ?
		WHERE source = ? AND listing_id = ? AND status != ?
	`, string(model.StatusRemoved), detectedAtNs, detectedAtNs, key.Source, key.ListingID, string(model.StatusRemoved))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := r.db.QueryRow(
			"SELECT 1 FROM listings WHERE source = ? AND listing_id = ?",
			key.Source, key.ListingID,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// BulkTouchLastSeen advances last_seen_at_ns for a batch of listings in one
// transaction. MAX() keeps a late flush from moving a timestamp backwards.
func (r *Repo) BulkTouchLastSeen(touches map[model.ListingKey]int64) error {
	if len(touches) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin touch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE listings
		SET last_seen_at_ns = MAX(last_seen_at_ns, ?)
		WHERE source = ? AND listing_id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare touch: %w", err)
	}
	defer stmt.Close()

	for key, ts := range touches {
		if _, err := stmt.Exec(ts, key.Source, key.ListingID); err != nil {
			return fmt.Errorf("touch %s/%s: %w", key.Source, key.ListingID, err)
		}
	}
	return tx.Commit()
}

// CountListingsByStatus returns listing counts grouped by status.
func (r *Repo) CountListingsByStatus() (map[model.ListingStatus]int64, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM listings GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[model.ListingStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[model.ListingStatus(status)] = count
	}
	return result, rows.Err()
}
