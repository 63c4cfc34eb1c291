package api

import (
	"net/http"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/service"
)

// HandleListTargets returns a handler for GET /api/targets.
func HandleListTargets(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets, err := cp.ListTargets()
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"id", "url", "domain"}, "id", "asc")
		if !ok {
			return
		}
		SortSlice(targets, sorting, func(t model.PollingTarget) string {
			switch sorting.SortBy {
			case "url":
				return t.URL
			case "domain":
				return t.Domain
			default:
				return t.ID
			}
		})

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, targets, pg)
	}
}

// HandleGetTarget returns a handler for GET /api/targets/{id}.
func HandleGetTarget(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		t, err := cp.GetTarget(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

// HandleCreateTarget returns a handler for POST /api/targets.
func HandleCreateTarget(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateTargetRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		t, err := cp.CreateTarget(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, t)
	}
}

// HandleUpdateTarget returns a handler for PATCH /api/targets/{id}.
func HandleUpdateTarget(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		t, err := cp.UpdateTarget(id, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

// HandleDeleteTarget returns a handler for DELETE /api/targets/{id}.
func HandleDeleteTarget(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := cp.DeleteTarget(id); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleForcePollTarget returns a handler for POST /api/targets/{id}/poll.
func HandleForcePollTarget(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := cp.ForcePollTarget(id); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "poll queued"})
	}
}
