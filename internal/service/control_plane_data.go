package service

import (
	"errors"
	"strings"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

func clampPage(limit, offset int) (int, int, *ServiceError) {
	if limit < 0 {
		return 0, 0, invalidArg("limit: must be non-negative")
	}
	if offset < 0 {
		return 0, 0, invalidArg("offset: must be non-negative")
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, offset, nil
}

// ListingQuery holds GET /api/listings filter parameters.
type ListingQuery struct {
	Source string
	Status string
	Limit  int
	Offset int
}

// ListListings returns canonical listings matching the query.
func (s *ControlPlaneService) ListListings(q ListingQuery) ([]model.CanonicalListing, error) {
	limit, offset, verr := clampPage(q.Limit, q.Offset)
	if verr != nil {
		return nil, verr
	}
	filter := store.ListingFilter{Source: q.Source, Limit: limit, Offset: offset}
	if q.Status != "" {
		status := model.ListingStatus(strings.ToUpper(q.Status))
		if !status.IsValid() {
			return nil, invalidArg("status: must be ACTIVE or REMOVED")
		}
		filter.Status = status
	}

	listings, err := s.Engine.ListListings(filter)
	if err != nil {
		return nil, internal("list listings", err)
	}
	if listings == nil {
		listings = []model.CanonicalListing{}
	}
	return listings, nil
}

// GetListing returns one canonical listing by (source, listingID). Admin
// reads go straight to the store so they always see persisted state.
func (s *ControlPlaneService) GetListing(source, listingID string) (*model.CanonicalListing, error) {
	if source == "" || listingID == "" {
		return nil, invalidArg("source and listing id are required")
	}
	l, err := s.Engine.Repo.GetListing(model.ListingKey{Source: source, ListingID: listingID})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("listing not found")
		}
		return nil, internal("get listing", err)
	}
	return l, nil
}

// EventQuery holds GET /api/events filter parameters.
type EventQuery struct {
	Status    string
	Type      string
	Source    string
	ListingID string
	Limit     int
	Offset    int
}

// ListEvents returns outbox events matching the query, oldest first.
func (s *ControlPlaneService) ListEvents(q EventQuery) ([]model.ChangeEvent, error) {
	limit, offset, verr := clampPage(q.Limit, q.Offset)
	if verr != nil {
		return nil, verr
	}
	filter := store.EventFilter{Source: q.Source, ListingID: q.ListingID, Limit: limit, Offset: offset}
	if q.Status != "" {
		status := model.EventStatus(strings.ToUpper(q.Status))
		if !status.IsValid() {
			return nil, invalidArg("status: must be PENDING, IN_FLIGHT, PROCESSED, or FAILED")
		}
		filter.Status = status
	}
	if q.Type != "" {
		et := model.EventType(strings.ToUpper(q.Type))
		if !et.IsValid() {
			return nil, invalidArg("type: must be CREATED, UPDATED, or REMOVED")
		}
		filter.EventType = et
	}

	events, err := s.Engine.ListEvents(filter)
	if err != nil {
		return nil, internal("list events", err)
	}
	if events == nil {
		events = []model.ChangeEvent{}
	}
	return events, nil
}

// RetryEvent returns a dead-lettered event to PENDING with a fresh retry
// budget. Events in any other state are rejected with CONFLICT.
func (s *ControlPlaneService) RetryEvent(eventID string) (*model.ChangeEvent, error) {
	if err := s.Engine.RequeueEvent(eventID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, notFound("event not found")
		case errors.Is(err, store.ErrConflict):
			return nil, conflict("event is not dead-lettered")
		default:
			return nil, internal("requeue event", err)
		}
	}
	ev, err := s.Engine.GetEvent(eventID)
	if err != nil {
		return nil, internal("get event", err)
	}
	return ev, nil
}
