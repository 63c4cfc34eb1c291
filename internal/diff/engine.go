// Package diff turns scraped snapshots into canonical listing mutations and
// outbox event drafts. The mapping from inputs to outputs is deterministic;
// only the generated event IDs differ between runs.
package diff

import (
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/model"
)

// historyRetention bounds per-listing change history.
const historyRetention = 24 * time.Hour

// Request is one diff computation over a target's scraped snapshot and its
// current canonical set (all statuses — REMOVED rows are needed to detect
// relistings).
type Request struct {
	Target    *model.PollingTarget
	Source    string
	Scraped   []model.RawListing
	Canonical []model.CanonicalListing

	// FullCoverage reports whether the fetch saw the complete result
	// surface. Removals are only confirmable on full coverage.
	FullCoverage bool

	Now             time.Time
	MinSignificance float64
}

// Result carries the canonical rows to write, the event drafts to append
// (both handed to CommitPollOutcome), and the keys that were observed
// unchanged and only need a last-seen refresh.
type Result struct {
	Updated []model.CanonicalListing
	Events  []model.ChangeEvent
	Seen    []model.ListingKey

	// SuppressedRemovals counts listings absent from the snapshot that were
	// not confirmed removed (grace period still running, or partial fetch).
	SuppressedRemovals int
}

// Compute diffs a scraped snapshot against the canonical set.
//
// New IDs become CREATED rows at version 1. IDs scraped while their
// canonical row is REMOVED are relistings: CREATED again, continuing the
// row's version sequence. Present IDs get a per-tracked-field normalized
// compare; an UPDATED event is emitted only when the strongest field change
// reaches MinSignificance, and the canonical row mutates only when an event
// is emitted, so repeated identical snapshots produce zero events and zero
// version bumps. Absent IDs become REMOVED only after the target's grace
// period and only on full coverage.
func Compute(req Request) Result {
	var res Result

	fields := req.Target.TrackedOrDefault()
	ignore := ignoreMatcher(req.Target.IgnoreFields)
	nowNs := req.Now.UnixNano()

	canonicalByID := make(map[string]*model.CanonicalListing, len(req.Canonical))
	for i := range req.Canonical {
		canonicalByID[req.Canonical[i].ListingID] = &req.Canonical[i]
	}

	scrapedIDs := make(map[string]struct{}, len(req.Scraped))
	for i := range req.Scraped {
		raw := &req.Scraped[i]
		if raw.ID == "" {
			continue
		}
		if _, dup := scrapedIDs[raw.ID]; dup {
			continue // page overlap; first occurrence wins
		}
		scrapedIDs[raw.ID] = struct{}{}

		prior, exists := canonicalByID[raw.ID]
		switch {
		case !exists:
			res.add(createListing(req, raw, fields, nowNs))
		case prior.Status == model.StatusRemoved:
			res.add(relistListing(req, raw, prior, fields, nowNs))
		default:
			updated, event, changed := compareListing(req, raw, prior, fields, ignore, nowNs)
			if changed {
				res.Updated = append(res.Updated, updated)
				res.Events = append(res.Events, event)
			} else {
				res.Seen = append(res.Seen, prior.Key())
			}
		}
	}

	for i := range req.Canonical {
		prior := &req.Canonical[i]
		if prior.Status != model.StatusActive {
			continue
		}
		if _, present := scrapedIDs[prior.ListingID]; present {
			continue
		}
		grace := time.Duration(req.Target.GracePeriodS) * time.Second
		if !req.FullCoverage || req.Now.Sub(time.Unix(0, prior.LastSeenAtNs)) < grace {
			res.SuppressedRemovals++
			continue
		}
		res.add(removeListing(req, prior, nowNs))
	}

	return res
}

func (r *Result) add(l model.CanonicalListing, ev model.ChangeEvent) {
	r.Updated = append(r.Updated, l)
	r.Events = append(r.Events, ev)
}

// trackedMap extracts the tracked-field subset present on a raw listing.
// setValidators carries per-listing HTTP validators forward, keeping the
// prior pair when the scraper did not re-visit the detail page.
func setValidators(l *model.CanonicalListing, raw *model.RawListing) {
	if raw.ETag != "" {
		l.ETag = raw.ETag
	}
	if raw.LastModified != "" {
		l.LastModified = raw.LastModified
	}
}

func trackedMap(raw *model.RawListing, fields []string) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if v := raw.TrackedValue(f); v != nil {
			m[f] = v
		}
	}
	return m
}

func createListing(req Request, raw *model.RawListing, fields []string, nowNs int64) (model.CanonicalListing, model.ChangeEvent) {
	tracked := trackedMap(raw, fields)
	hash := FieldHash(tracked, fields)

	l := model.CanonicalListing{
		Source:        req.Source,
		ListingID:     raw.ID,
		FirstSeenAtNs: nowNs,
		LastSeenAtNs:  nowNs,
		Status:        model.StatusActive,
		Title:         raw.Title,
		Price:         raw.Price,
		Condition:     raw.Condition,
		Location:      raw.Location,
		URL:           raw.URL,
		ImageURLs:     raw.ImageURLs,
		ETag:          raw.ETag,
		LastModified:  raw.LastModified,
		FieldHash:     hash,
		Version:       1,
		TrackedFields: tracked,
		ChangeHistory: []model.ListingChange{{AtNs: nowNs, EventType: model.EventCreated}},
		RawData:       raw.Raw,
		UpdatedAtNs:   nowNs,
	}
	return l, newEvent(req, &l, model.EventCreated, "", hash, nil, model.SignificanceHigh, 1, nowNs)
}

// relistListing revives a REMOVED canonical row whose ID reappeared. The
// version sequence continues rather than restarting at 1, which keeps event
// versions strictly increasing per (source, listing_id).
func relistListing(req Request, raw *model.RawListing, prior *model.CanonicalListing, fields []string, nowNs int64) (model.CanonicalListing, model.ChangeEvent) {
	tracked := trackedMap(raw, fields)
	hash := FieldHash(tracked, fields)

	l := *prior
	l.Status = model.StatusActive
	l.Title = raw.Title
	l.Price = raw.Price
	l.Condition = raw.Condition
	l.Location = raw.Location
	if raw.URL != "" {
		l.URL = raw.URL
	}
	l.ImageURLs = raw.ImageURLs
	setValidators(&l, raw)
	l.FieldHash = hash
	l.Version = prior.Version + 1
	l.LastSeenAtNs = nowNs
	l.TrackedFields = tracked
	l.ChangeHistory = appendHistory(prior.ChangeHistory, model.ListingChange{AtNs: nowNs, EventType: model.EventCreated}, nowNs)
	l.RawData = raw.Raw
	l.UpdatedAtNs = nowNs

	return l, newEvent(req, &l, model.EventCreated, prior.FieldHash, hash, nil, model.SignificanceHigh, 1, nowNs)
}

func removeListing(req Request, prior *model.CanonicalListing, nowNs int64) (model.CanonicalListing, model.ChangeEvent) {
	l := *prior
	l.Status = model.StatusRemoved
	l.Version = prior.Version + 1
	l.LastSeenAtNs = nowNs // removal detection time, by invariant
	l.ChangeHistory = appendHistory(prior.ChangeHistory, model.ListingChange{AtNs: nowNs, EventType: model.EventRemoved}, nowNs)
	l.UpdatedAtNs = nowNs

	return l, newEvent(req, &l, model.EventRemoved, prior.FieldHash, prior.FieldHash, nil, model.SignificanceHigh, 1, nowNs)
}

// compareListing diffs one present listing field by field. changed is false
// when nothing differs or the strongest change stays under MinSignificance;
// the canonical row is left untouched in both cases.
func compareListing(req Request, raw *model.RawListing, prior *model.CanonicalListing, fields []string, ignore ignoreMatcher, nowNs int64) (model.CanonicalListing, model.ChangeEvent, bool) {
	var changes []model.ChangedField
	for _, f := range fields {
		if ignore.match(f) {
			continue
		}
		oldVal, hadOld := prior.TrackedFields[f]
		if oldVal == nil {
			hadOld = false
		}
		newVal := raw.TrackedValue(f)

		switch {
		case !hadOld && newVal == nil:
			// absent on both sides
		case hadOld && newVal == nil:
			changes = append(changes, model.ChangedField{
				Field: f, OldValue: oldVal, NewValue: nil,
				ChangeType:   model.FieldRemoved,
				Significance: FieldSignificance(f, oldVal, nil),
			})
		case !hadOld:
			changes = append(changes, model.ChangedField{
				Field: f, OldValue: nil, NewValue: newVal,
				ChangeType:   model.FieldAdded,
				Significance: FieldSignificance(f, nil, newVal),
			})
		case !valuesEqual(oldVal, newVal):
			changes = append(changes, model.ChangedField{
				Field: f, OldValue: oldVal, NewValue: newVal,
				ChangeType:   model.FieldModified,
				Significance: FieldSignificance(f, oldVal, newVal),
			})
		}
	}

	if len(changes) == 0 {
		return model.CanonicalListing{}, model.ChangeEvent{}, false
	}

	maxSig, sum := 0.0, 0.0
	fieldNames := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.Significance > maxSig {
			maxSig = c.Significance
		}
		sum += c.Significance
		fieldNames = append(fieldNames, c.Field)
	}
	if maxSig < req.MinSignificance {
		return model.CanonicalListing{}, model.ChangeEvent{}, false
	}

	tracked := trackedMap(raw, fields)
	hash := FieldHash(tracked, fields)

	l := *prior
	l.Title = raw.Title
	l.Price = raw.Price
	l.Condition = raw.Condition
	l.Location = raw.Location
	if raw.URL != "" {
		l.URL = raw.URL
	}
	l.ImageURLs = raw.ImageURLs
	setValidators(&l, raw)
	l.FieldHash = hash
	l.Version = prior.Version + 1
	l.LastSeenAtNs = nowNs
	l.TrackedFields = tracked
	l.ChangeHistory = appendHistory(prior.ChangeHistory, model.ListingChange{AtNs: nowNs, EventType: model.EventUpdated, Fields: fieldNames}, nowNs)
	l.RawData = raw.Raw
	l.UpdatedAtNs = nowNs

	confidence := sum / float64(len(changes)) * 2
	if confidence > 1 {
		confidence = 1
	}
	ev := newEvent(req, &l, model.EventUpdated, prior.FieldHash, hash, changes, model.BucketSignificance(maxSig), confidence, nowNs)
	return l, ev, true
}

func newEvent(req Request, l *model.CanonicalListing, typ model.EventType, hashBefore, hashAfter string, changes []model.ChangedField, sig model.Significance, confidence float64, nowNs int64) model.ChangeEvent {
	return model.ChangeEvent{
		EventID:         uuid.NewString(),
		EventType:       typ,
		ListingID:       l.ListingID,
		Source:          l.Source,
		ChangedFields:   changes,
		FieldHashBefore: hashBefore,
		FieldHashAfter:  hashAfter,
		DetectedAtNs:    nowNs,
		Version:         l.Version,
		Confidence:      confidence,
		Significance:    sig,
		Metadata:        map[string]any{"target_id": req.Target.ID},
		Status:          model.EventPending,
		CreatedAtNs:     nowNs,
	}
}

func appendHistory(history []model.ListingChange, entry model.ListingChange, nowNs int64) []model.ListingChange {
	cutoff := nowNs - historyRetention.Nanoseconds()
	kept := make([]model.ListingChange, 0, len(history)+1)
	for _, h := range history {
		if h.AtNs >= cutoff {
			kept = append(kept, h)
		}
	}
	return append(kept, entry)
}

// ignoreMatcher holds a target's ignore patterns: exact field names or
// path.Match globs ("seller_*").
type ignoreMatcher []string

func (m ignoreMatcher) match(field string) bool {
	for _, p := range m {
		if p == field {
			return true
		}
		if ok, err := path.Match(p, field); err == nil && ok {
			return true
		}
	}
	return false
}
