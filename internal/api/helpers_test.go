package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/polllog"
	"github.com/driftwatch/driftwatch/internal/service"
	"github.com/driftwatch/driftwatch/internal/store"
)

const testAdminToken = "test-admin-token"

type stubScheduler struct {
	forced     []string
	reconciles int
}

func (s *stubScheduler) ForcePoll(targetID string) error {
	s.forced = append(s.forced, targetID)
	return nil
}
func (s *stubScheduler) ReconcileAsync()                        { s.reconciles++ }
func (s *stubScheduler) SetReconcileSchedule(expr string) error { return nil }
func (s *stubScheduler) ActivePolls() []string                  { return []string{} }
func (s *stubScheduler) QueueDepth() int                        { return 0 }

type stubDispatcher struct{}

func (stubDispatcher) InFlight() int { return 0 }

type testEnv struct {
	server *Server
	cp     *service.ControlPlaneService
	sched  *stubScheduler
	logs   *polllog.Repo
	mgr    *metrics.Manager
}

// helper: full API server over a temp store, poll log, and metrics stack.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	engine, closer, err := store.PersistenceBootstrap(t.TempDir(), store.BootstrapOptions{
		CacheSize: 100,
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })

	cfg := &atomic.Pointer[config.RuntimeConfig]{}
	cfg.Store(config.NewDefaultRuntimeConfig())
	sched := &stubScheduler{}
	info := service.SystemInfo{Version: "test", StartedAt: time.Now()}
	cp := &service.ControlPlaneService{
		Engine:     engine,
		Scheduler:  sched,
		Dispatcher: stubDispatcher{},
		RuntimeCfg: cfg,
		Info:       info,
	}

	logs := polllog.NewRepo(t.TempDir(), 16<<20, 3)
	if err := logs.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logs.Close() })

	metricsRepo, err := metrics.NewMetricsRepo(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metricsRepo.Close() })
	mgr := metrics.NewManager(metrics.ManagerConfig{Repo: metricsRepo})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(metrics.NewPromCollector(mgr))

	srv := NewServer(ServerOptions{
		Port:            0,
		AdminToken:      testAdminToken,
		APIMaxBodyBytes: 1 << 20,
		Info:            info,
		RuntimeCfg:      cfg,
		ControlPlane:    cp,
		PollLog:         logs,
		Metrics:         mgr,
		PromRegistry:    reg,
	})
	return &testEnv{server: srv, cp: cp, sched: sched, logs: logs, mgr: mgr}
}

// helper: authenticated request against the in-memory handler.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewBuffer(raw)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d (body: %s)", want, rec.Code, rec.Body.String())
	}
}
