package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	pg, err := ParsePagination(r)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Pagination{}, false
	}
	return pg, true
}

func parseSortingOrWriteInvalid(
	w http.ResponseWriter,
	r *http.Request,
	allowed []string,
	defaultField string,
	defaultOrder string,
) (Sorting, bool) {
	s, err := ParseSorting(r, allowed, defaultField, defaultOrder)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Sorting{}, false
	}
	return s, true
}

func readRawBodyOrWriteInvalid(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeInvalidArgument(w, "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writePayloadTooLarge(w, maxErr.Limit)
			return nil, false
		}
		writeInvalidArgument(w, "failed to read body")
		return nil, false
	}
	return body, true
}

func requirePathParam(w http.ResponseWriter, r *http.Request, paramName string) (string, bool) {
	value := PathParam(r, paramName)
	if value == "" {
		writeInvalidArgument(w, fmt.Sprintf("%s: must not be empty", paramName))
		return "", false
	}
	return value, true
}

// parseTimeRange extracts from/to from query params (RFC3339Nano).
// Defaults: to=now, from=to-1h. Returns false on parse error or from>=to.
func parseTimeRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	to = time.Now()

	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeInvalidArgument(w, "invalid 'to': expected RFC3339Nano")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	from = to.Add(-1 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeInvalidArgument(w, "invalid 'from': expected RFC3339Nano")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}

	if !from.Before(to) {
		writeInvalidArgument(w, "'from' must be before 'to'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
