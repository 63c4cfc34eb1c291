package api

import (
	"net/http"

	"github.com/driftwatch/driftwatch/internal/metrics"
)

// RealtimeResponse is the GET /api/metrics/realtime payload.
type RealtimeResponse struct {
	IntervalSeconds int                      `json:"interval_seconds"`
	Counters        metrics.CountersSnapshot `json:"counters"`
	Samples         []metrics.RealtimeSample `json:"samples"`
}

// HandleMetricsRealtime returns a handler for GET /api/metrics/realtime.
// Samples are newest first; from/to default to the trailing hour.
func HandleMetricsRealtime(mgr *metrics.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseTimeRange(w, r)
		if !ok {
			return
		}
		resp := RealtimeResponse{
			IntervalSeconds: mgr.SampleIntervalSeconds(),
			Counters:        mgr.Collector().Snapshot(),
			Samples:         mgr.Ring().Query(from, to),
		}
		if resp.Samples == nil {
			resp.Samples = []metrics.RealtimeSample{}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HistoryResponse is the GET /api/metrics/history payload.
type HistoryResponse struct {
	BucketSeconds int                        `json:"bucket_seconds"`
	Buckets       []metrics.HistoryBucketRow `json:"buckets"`
}

// HandleMetricsHistory returns a handler for GET /api/metrics/history.
// Buckets are ascending by window start; the open in-memory bucket is
// merged in when the range covers it.
func HandleMetricsHistory(mgr *metrics.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseTimeRange(w, r)
		if !ok {
			return
		}
		rows, err := mgr.QueryHistory(from.Unix(), to.Unix())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "metrics history query failed")
			return
		}
		if rows == nil {
			rows = []metrics.HistoryBucketRow{}
		}
		WriteJSON(w, http.StatusOK, HistoryResponse{
			BucketSeconds: mgr.BucketSeconds(),
			Buckets:       rows,
		})
	}
}
