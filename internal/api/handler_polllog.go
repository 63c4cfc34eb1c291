package api

import (
	"net/http"
	"time"

	"github.com/driftwatch/driftwatch/internal/polllog"
)

var validPollOutcomes = map[string]bool{
	"SUCCESS":      true,
	"NO_CHANGE":    true,
	"FAILURE":      true,
	"RATE_LIMITED": true,
}

// HandleListPollLog returns a handler for GET /api/polllog.
// Query params: target_id, outcome, from, to (RFC3339Nano), limit, offset.
func HandleListPollLog(repo *polllog.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		f := polllog.ListFilter{
			TargetID: q.Get("target_id"),
			Outcome:  q.Get("outcome"),
			Limit:    pg.Limit,
			Offset:   pg.Offset,
		}
		if f.Outcome != "" && !validPollOutcomes[f.Outcome] {
			writeInvalidArgument(w, "outcome: must be SUCCESS, NO_CHANGE, FAILURE, or RATE_LIMITED")
			return
		}

		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "from: invalid RFC3339 timestamp")
				return
			}
			f.After = t.UnixNano()
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "to: invalid RFC3339 timestamp")
				return
			}
			f.Before = t.UnixNano()
		}
		if f.After > 0 && f.Before > 0 && f.After >= f.Before {
			writeInvalidArgument(w, "from: must be before to")
			return
		}

		rows, err := repo.List(f)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "poll log query failed")
			return
		}
		WriteList(w, http.StatusOK, rows, pg)
	}
}

// HandleGetPollLog returns a handler for GET /api/polllog/{id}.
func HandleGetPollLog(repo *polllog.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		row, err := repo.GetByID(id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "poll log query failed")
			return
		}
		if row == nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "poll log entry not found")
			return
		}
		WriteJSON(w, http.StatusOK, row)
	}
}
