package api

import (
	"net/http"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/service"
)

// HandleListSubscribers returns a handler for GET /api/subscribers.
func HandleListSubscribers(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := cp.ListSubscribers()
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"id", "type"}, "id", "asc")
		if !ok {
			return
		}
		SortSlice(subs, sorting, func(s model.Subscriber) string {
			if sorting.SortBy == "type" {
				return string(s.Type)
			}
			return s.ID
		})

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, subs, pg)
	}
}

// HandleGetSubscriber returns a handler for GET /api/subscribers/{id}.
func HandleGetSubscriber(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		sub, err := cp.GetSubscriber(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleCreateSubscriber returns a handler for POST /api/subscribers.
func HandleCreateSubscriber(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateSubscriberRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		sub, err := cp.CreateSubscriber(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, sub)
	}
}

// HandleUpdateSubscriber returns a handler for PATCH /api/subscribers/{id}.
func HandleUpdateSubscriber(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		sub, err := cp.UpdateSubscriber(id, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleDeleteSubscriber returns a handler for DELETE /api/subscribers/{id}.
func HandleDeleteSubscriber(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := cp.DeleteSubscriber(id); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
