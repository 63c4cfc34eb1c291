package api

import (
	"net/http"

	"github.com/driftwatch/driftwatch/internal/service"
)

// HandleListListings returns a handler for GET /api/listings.
// Query params: source, status, limit, offset.
func HandleListListings(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		listings, err := cp.ListListings(service.ListingQuery{
			Source: q.Get("source"),
			Status: q.Get("status"),
			Limit:  pg.Limit,
			Offset: pg.Offset,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, listings, pg)
	}
}

// HandleGetListing returns a handler for GET /api/listings/{source}/{id}.
func HandleGetListing(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, ok := requirePathParam(w, r, "source")
		if !ok {
			return
		}
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		l, err := cp.GetListing(source, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, l)
	}
}

// HandleListEvents returns a handler for GET /api/events.
// Query params: status, type, source, listing_id, limit, offset.
func HandleListEvents(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		events, err := cp.ListEvents(service.EventQuery{
			Status:    q.Get("status"),
			Type:      q.Get("type"),
			Source:    q.Get("source"),
			ListingID: q.Get("listing_id"),
			Limit:     pg.Limit,
			Offset:    pg.Offset,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, events, pg)
	}
}

// HandleRetryEvent returns a handler for POST /api/events/{id}/retry.
func HandleRetryEvent(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		ev, err := cp.RetryEvent(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ev)
	}
}
