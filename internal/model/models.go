// Package model defines domain structs shared across the persistence,
// diff, scheduling, and dispatch layers.
package model

import "encoding/json"

// DefaultTrackedFields is the tracked-field set applied to targets that do
// not configure their own.
var DefaultTrackedFields = []string{"title", "price", "condition", "location"}

// CanonicalListing is the engine's persistent view of one remote listing,
// keyed by (Source, ListingID). Listings are never deleted; a listing that
// disappears from its source is flipped to StatusRemoved after the target's
// grace period.
type CanonicalListing struct {
	Source        string          `json:"source"`
	ListingID     string          `json:"listing_id"`
	FirstSeenAtNs int64           `json:"first_seen_at_ns"`
	LastSeenAtNs  int64           `json:"last_seen_at_ns"`
	Status        ListingStatus   `json:"status"`
	Title         string          `json:"title"`
	Price         *float64        `json:"price"`
	Condition     string          `json:"condition"`
	Location      string          `json:"location"`
	URL           string          `json:"url"`
	ImageURLs     []string        `json:"image_urls"`
	FieldHash     string          `json:"field_hash"`
	Version       int64           `json:"version"`
	ETag          string          `json:"etag"`
	LastModified  string          `json:"last_modified"`
	TrackedFields map[string]any  `json:"tracked_fields"`
	ChangeHistory []ListingChange `json:"change_history"`
	Meta          map[string]any  `json:"meta"`
	RawData       json.RawMessage `json:"raw_data"`
	UpdatedAtNs   int64           `json:"updated_at_ns"`
}

// ListingKey is the composite primary key for listings.
type ListingKey struct {
	Source    string
	ListingID string
}

// Key returns the composite key of the listing.
func (l *CanonicalListing) Key() ListingKey {
	return ListingKey{Source: l.Source, ListingID: l.ListingID}
}

// ListingChange is one bounded change-history entry on a canonical listing.
type ListingChange struct {
	AtNs      int64     `json:"at_ns"`
	EventType EventType `json:"event_type"`
	Fields    []string  `json:"fields,omitempty"`
}

// AdaptivePolicy tunes how a target's polling interval reacts to observed
// change activity. StabilityBonus must be in (0,1]; ActivityBoost >= 1.
type AdaptivePolicy struct {
	ChangeThreshold     float64 `json:"change_threshold"`
	StabilityBonus      float64 `json:"stability_bonus"`
	ActivityBoost       float64 `json:"activity_boost"`
	LearningWindowHours float64 `json:"learning_window_hours"`
}

// RateLimitPolicy caps outbound requests against a target's domain.
type RateLimitPolicy struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	Burst     int `json:"burst"`
}

// TargetChange is one change-history entry on a polling target: a poll that
// detected EventCount changes at AtNs. History is trimmed to 24 h.
type TargetChange struct {
	AtNs       int64 `json:"at_ns"`
	EventCount int   `json:"event_count"`
}

// PollingTarget is a listing-index URL observed on a schedule. Interval
// bounds are seconds, MinIntervalS <= BaseIntervalS <= MaxIntervalS, and
// every computed next interval clamps into [MinIntervalS, MaxIntervalS].
type PollingTarget struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Domain        string          `json:"domain"`
	BaseIntervalS int64           `json:"base_interval_s"`
	MinIntervalS  int64           `json:"min_interval_s"`
	MaxIntervalS  int64           `json:"max_interval_s"`
	Adaptive      AdaptivePolicy  `json:"adaptive"`
	RateLimit     RateLimitPolicy `json:"rate_limit"`
	TrackedFields []string        `json:"tracked_fields"`
	IgnoreFields  []string        `json:"ignore_fields,omitempty"`
	GracePeriodS  int64           `json:"grace_period_s"`
	Enabled       bool            `json:"enabled"`

	// Runtime state, persisted so schedules and breaker decisions survive
	// restarts.
	LastPolledAtNs        int64          `json:"last_polled_at_ns"`
	LastSuccessAtNs       int64          `json:"last_success_at_ns"`
	ConsecutiveFailures   int            `json:"consecutive_failures"`
	BreakerState          BreakerState   `json:"breaker_state"`
	BreakerOpenedAtNs     int64          `json:"breaker_opened_at_ns"`
	BreakerProbeSuccesses int            `json:"breaker_probe_successes"`
	CurrentChangeRate     float64        `json:"current_change_rate"`
	ChangeHistory         []TargetChange `json:"change_history"`

	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// TrackedOrDefault returns the target's tracked-field set, falling back to
// DefaultTrackedFields when none is configured.
func (t *PollingTarget) TrackedOrDefault() []string {
	if len(t.TrackedFields) > 0 {
		return t.TrackedFields
	}
	return DefaultTrackedFields
}

// ChangedField describes one field-level difference inside a change event.
type ChangedField struct {
	Field        string          `json:"field"`
	OldValue     any             `json:"old_value"`
	NewValue     any             `json:"new_value"`
	ChangeType   FieldChangeType `json:"change_type"`
	Significance float64         `json:"significance"`
}

// ChangeEvent is one outbox row: a detected creation, update, or removal
// awaiting delivery. For a given (Source, ListingID) the persisted Version
// sequence is strictly increasing.
type ChangeEvent struct {
	EventID         string         `json:"event_id"`
	EventType       EventType      `json:"event_type"`
	ListingID       string         `json:"listing_id"`
	Source          string         `json:"source"`
	ChangedFields   []ChangedField `json:"changed_fields"`
	FieldHashBefore string         `json:"field_hash_before"`
	FieldHashAfter  string         `json:"field_hash_after"`
	DetectedAtNs    int64          `json:"detected_at_ns"`
	Version         int64          `json:"version"`
	Confidence      float64        `json:"confidence"`
	Significance    Significance   `json:"significance"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	Status           EventStatus `json:"status"`
	RetryCount       int         `json:"retry_count"`
	LastRetryAtNs    int64       `json:"last_retry_at_ns"`
	LeaseExpiresAtNs int64       `json:"lease_expires_at_ns"`
	CreatedAtNs      int64       `json:"created_at_ns"`
}

// SubscriberConfig is optional per-subscriber delivery tuning. Zero values
// fall back to dispatcher defaults; Secret overrides the global webhook
// signing secret for this subscriber only.
type SubscriberConfig struct {
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Subscriber is a registered consumer of change events.
type Subscriber struct {
	ID          string           `json:"id"`
	Type        SubscriberType   `json:"type"`
	Endpoint    string           `json:"endpoint"`
	Config      SubscriberConfig `json:"config"`
	Enabled     bool             `json:"enabled"`
	CreatedAtNs int64            `json:"created_at_ns"`
	UpdatedAtNs int64            `json:"updated_at_ns"`
}

// RawListing is one scraped listing as it crosses the Fetcher boundary:
// tracked fields typed, everything else opaque in Raw. ETag/LastModified are
// per-listing HTTP validators when the scraper visited the detail page.
type RawListing struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Price        *float64        `json:"price"`
	Condition    string          `json:"condition"`
	Location     string          `json:"location"`
	URL          string          `json:"url"`
	ImageURLs    []string        `json:"image_urls"`
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	Extra        map[string]any  `json:"extra,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// TrackedValue returns the raw listing's value for a tracked field name,
// or nil when the field is absent. Unknown names look up Extra.
func (r *RawListing) TrackedValue(field string) any {
	switch field {
	case "title":
		if r.Title == "" {
			return nil
		}
		return r.Title
	case "price":
		if r.Price == nil {
			return nil
		}
		return *r.Price
	case "condition":
		if r.Condition == "" {
			return nil
		}
		return r.Condition
	case "location":
		if r.Location == "" {
			return nil
		}
		return r.Location
	case "url":
		if r.URL == "" {
			return nil
		}
		return r.URL
	default:
		if r.Extra == nil {
			return nil
		}
		return r.Extra[field]
	}
}
