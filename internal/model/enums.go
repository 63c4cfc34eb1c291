package model

import "strings"

// ListingStatus is the lifecycle state of a canonical listing.
type ListingStatus string

const (
	StatusActive  ListingStatus = "ACTIVE"
	StatusRemoved ListingStatus = "REMOVED"
)

func (s ListingStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusRemoved:
		return true
	default:
		return false
	}
}

// EventType classifies a change event.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventRemoved EventType = "REMOVED"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventUpdated, EventRemoved:
		return true
	default:
		return false
	}
}

// EventStatus is the outbox lifecycle state of a change event.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventInFlight  EventStatus = "IN_FLIGHT"
	EventProcessed EventStatus = "PROCESSED"
	EventFailed    EventStatus = "FAILED"
)

func (s EventStatus) IsValid() bool {
	switch s {
	case EventPending, EventInFlight, EventProcessed, EventFailed:
		return true
	default:
		return false
	}
}

// FieldChangeType classifies one field-level difference.
type FieldChangeType string

const (
	FieldAdded    FieldChangeType = "ADDED"
	FieldModified FieldChangeType = "MODIFIED"
	FieldRemoved  FieldChangeType = "REMOVED"
)

// Significance buckets the overall weight of a change event.
type Significance string

const (
	SignificanceLow    Significance = "LOW"
	SignificanceMedium Significance = "MEDIUM"
	SignificanceHigh   Significance = "HIGH"
)

// BucketSignificance maps a max per-field significance score into a bucket:
// HIGH above 0.5, MEDIUM above 0.2, LOW otherwise.
func BucketSignificance(maxScore float64) Significance {
	switch {
	case maxScore > 0.5:
		return SignificanceHigh
	case maxScore > 0.2:
		return SignificanceMedium
	default:
		return SignificanceLow
	}
}

// BreakerState is the persisted circuit-breaker state of a polling target.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

func (s BreakerState) IsValid() bool {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// SubscriberType selects the delivery transport for a subscriber.
type SubscriberType string

const (
	SubscriberWebhook   SubscriberType = "WEBHOOK"
	SubscriberWebsocket SubscriberType = "WEBSOCKET"
	SubscriberEmail     SubscriberType = "EMAIL"
)

func (t SubscriberType) IsValid() bool {
	switch t {
	case SubscriberWebhook, SubscriberWebsocket, SubscriberEmail:
		return true
	default:
		return false
	}
}

// NormalizeSubscriberType parses a raw string into a SubscriberType,
// returning "" for unknown values.
func NormalizeSubscriberType(raw string) SubscriberType {
	v := SubscriberType(strings.ToUpper(strings.TrimSpace(raw)))
	if v.IsValid() {
		return v
	}
	return ""
}
