package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/polllog"
	"github.com/driftwatch/driftwatch/internal/service"
)

// Server wraps the HTTP server and mux for the driftwatch admin API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// ServerOptions carries the dependencies for NewServer. ControlPlane may be
// nil while the runtime is still bootstrapping; PollLog and Metrics routes
// are registered only when their owners are present.
type ServerOptions struct {
	ListenAddress   string
	Port            int
	AdminToken      string
	APIMaxBodyBytes int64

	Info         service.SystemInfo
	RuntimeCfg   *atomic.Pointer[config.RuntimeConfig]
	ControlPlane *service.ControlPlaneService
	PollLog      *polllog.Repo
	Metrics      *metrics.Manager

	// PromRegistry backs GET /metrics. Nil disables the endpoint.
	PromRegistry *prometheus.Registry
}

// NewServer creates an API server wired with all routes.
func NewServer(opts ServerOptions) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	if opts.PromRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.PromRegistry, promhttp.HandlerOpts{}))
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/system/info", HandleSystemInfo(opts.Info))
	authed.Handle("GET /api/system/config", HandleSystemConfig(opts.RuntimeCfg))

	if cp := opts.ControlPlane; cp != nil {
		authed.Handle("GET /api/system/status", HandleSystemStatus(cp))
		authed.Handle("PATCH /api/system/config", HandlePatchSystemConfig(cp))
		authed.Handle("POST /api/system/reconcile", HandleReconcile(cp))

		// Targets.
		authed.Handle("GET /api/targets", HandleListTargets(cp))
		authed.Handle("POST /api/targets", HandleCreateTarget(cp))
		authed.Handle("GET /api/targets/{id}", HandleGetTarget(cp))
		authed.Handle("PATCH /api/targets/{id}", HandleUpdateTarget(cp))
		authed.Handle("DELETE /api/targets/{id}", HandleDeleteTarget(cp))
		authed.Handle("POST /api/targets/{id}/poll", HandleForcePollTarget(cp))

		// Subscribers.
		authed.Handle("GET /api/subscribers", HandleListSubscribers(cp))
		authed.Handle("POST /api/subscribers", HandleCreateSubscriber(cp))
		authed.Handle("GET /api/subscribers/{id}", HandleGetSubscriber(cp))
		authed.Handle("PATCH /api/subscribers/{id}", HandleUpdateSubscriber(cp))
		authed.Handle("DELETE /api/subscribers/{id}", HandleDeleteSubscriber(cp))

		// Canonical state + outbox.
		authed.Handle("GET /api/listings", HandleListListings(cp))
		authed.Handle("GET /api/listings/{source}/{id}", HandleGetListing(cp))
		authed.Handle("GET /api/events", HandleListEvents(cp))
		authed.Handle("POST /api/events/{id}/retry", HandleRetryEvent(cp))
	}

	if opts.PollLog != nil {
		authed.Handle("GET /api/polllog", HandleListPollLog(opts.PollLog))
		authed.Handle("GET /api/polllog/{id}", HandleGetPollLog(opts.PollLog))
	}

	if opts.Metrics != nil {
		authed.Handle("GET /api/metrics/realtime", HandleMetricsRealtime(opts.Metrics))
		authed.Handle("GET /api/metrics/history", HandleMetricsHistory(opts.Metrics))
	}

	limitedAuthed := RequestBodyLimitMiddleware(opts.APIMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(opts.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(opts.ListenAddress, strconv.Itoa(opts.Port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
