package api

import "net/http"

// HandleHealthz returns a handler for GET /healthz. Unauthenticated; a 200
// means the process is up, not that polling is healthy.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
