package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftwatch/driftwatch/internal/api"
	"github.com/driftwatch/driftwatch/internal/buildinfo"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/dispatch"
	"github.com/driftwatch/driftwatch/internal/fetch"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/polllog"
	"github.com/driftwatch/driftwatch/internal/ratelimit"
	"github.com/driftwatch/driftwatch/internal/scanloop"
	"github.com/driftwatch/driftwatch/internal/schedule"
	"github.com/driftwatch/driftwatch/internal/service"
	"github.com/driftwatch/driftwatch/internal/store"
)

// Touch batching lands last-seen updates in the background; polls only
// mark the in-memory set.
const (
	touchFlushThreshold = 256
	touchFlushInterval  = 30 * time.Second
)

type driftApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	engine     *store.StoreEngine

	limiter     *ratelimit.Limiter
	scheduler   *schedule.Scheduler
	dispatcher  *dispatch.Dispatcher
	touchWorker *store.TouchFlushWorker

	pollLogRepo *polllog.Repo
	pollLogSvc  *polllog.Service

	metricsDB      *metrics.MetricsRepo
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry

	apiSrv *api.Server

	maintStop chan struct{}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	engine, dbCloser, err := store.PersistenceBootstrap(envCfg.StorePath, store.BootstrapOptions{
		CacheSize: envCfg.ListingCacheSize,
		CacheTTL:  envCfg.ListingCacheTTL,
		RedisAddr: envCfg.RedisAddr(),
	})
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newDriftApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)
	forceExitOnSecondSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newDriftApp(envCfg *config.EnvConfig, engine *store.StoreEngine) (*driftApp, error) {
	app := &driftApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		engine:     engine,
		maintStop:  make(chan struct{}),
	}
	app.runtimeCfg.Store(loadRuntimeConfig(engine, envCfg))

	app.touchWorker = store.NewTouchFlushWorker(
		engine,
		func() int { return touchFlushThreshold },
		func() time.Duration { return touchFlushInterval },
		5*time.Second,
	)

	if err := app.initObservability(); err != nil {
		return nil, err
	}
	app.initPollingPipeline()

	cpService := app.buildControlPlane()
	app.buildAPIServer(cpService)

	if err := applySeedFile(envCfg.SeedPath, engine, cpService); err != nil {
		return nil, err
	}

	app.startBackgroundServices()
	return app, nil
}

// loadRuntimeConfig resolves the hot-updatable config for this boot. A
// persisted config from a previous run wins over env-derived defaults.
func loadRuntimeConfig(engine *store.StoreEngine, envCfg *config.EnvConfig) *config.RuntimeConfig {
	cfg, version, err := engine.GetSystemConfig()
	if err != nil {
		log.Printf("Warning: load persisted runtime config: %v (falling back to env defaults)", err)
		return config.FromEnv(envCfg)
	}
	if cfg == nil {
		log.Println("No persisted runtime config, using env defaults")
		return config.FromEnv(envCfg)
	}
	log.Printf("Loaded persisted runtime config (version %d)", version)
	return cfg
}

func runtimeConfigSnapshot(p *atomic.Pointer[config.RuntimeConfig]) *config.RuntimeConfig {
	return p.Load()
}

// schedulerActivePolls defers the provider lookup until the scheduler
// exists. The metrics manager is built first because the scheduler needs it
// as a poll sink.
type schedulerActivePolls struct{ app *driftApp }

func (p schedulerActivePolls) ActivePolls() []string {
	if p.app.scheduler == nil {
		return nil
	}
	return p.app.scheduler.ActivePolls()
}

type dispatcherInFlight struct{ app *driftApp }

func (p dispatcherInFlight) InFlight() int {
	if p.app.dispatcher == nil {
		return 0
	}
	return p.app.dispatcher.InFlight()
}

// pollSinkFanout forwards each completed poll to the poll log and the
// metrics pipeline.
type pollSinkFanout struct {
	log     *polllog.Service
	metrics *metrics.Manager
}

func (f pollSinkFanout) RecordPoll(rec schedule.PollRecord) {
	f.log.RecordPoll(rec)
	f.metrics.RecordPoll(rec)
}

func (a *driftApp) initObservability() error {
	metricsDB, err := metrics.NewMetricsRepo(filepath.Join(a.envCfg.PollLogDir, "metrics.db"))
	if err != nil {
		return fmt.Errorf("metrics DB: %w", err)
	}
	a.metricsDB = metricsDB

	a.metricsManager = metrics.NewManager(metrics.ManagerConfig{
		Repo:               a.metricsDB,
		BucketSeconds:      a.envCfg.MetricBucketSeconds,
		ActivePolls:        schedulerActivePolls{app: a},
		InFlightDeliveries: dispatcherInFlight{app: a},
	})

	a.promRegistry = prometheus.NewRegistry()
	if err := a.promRegistry.Register(metrics.NewPromCollector(a.metricsManager)); err != nil {
		return fmt.Errorf("register prometheus collector: %w", err)
	}

	a.pollLogRepo = polllog.NewRepo(
		a.envCfg.PollLogDir,
		int64(a.envCfg.PollLogDBMaxMB)<<20,
		a.envCfg.PollLogDBRetainCount,
	)
	if err := a.pollLogRepo.Open(); err != nil {
		return fmt.Errorf("poll log repo open: %w", err)
	}
	a.pollLogSvc = polllog.NewService(polllog.ServiceConfig{
		Repo:          a.pollLogRepo,
		RuntimeCfg:    a.runtimeCfg,
		QueueSize:     a.envCfg.PollLogQueueSize,
		FlushBatch:    a.envCfg.PollLogFlushBatchSize,
		FlushInterval: a.envCfg.PollLogFlushInterval,
	})
	log.Println("Observability initialized")
	return nil
}

func (a *driftApp) initPollingPipeline() {
	a.limiter = ratelimit.New()

	fetcher := fetch.NewHTTPFetcher(
		func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).RequestTimeout.Std()
		},
		func() string {
			return runtimeConfigSnapshot(a.runtimeCfg).UserAgent
		},
	)

	sink := pollSinkFanout{log: a.pollLogSvc, metrics: a.metricsManager}
	a.scheduler = schedule.New(a.engine, fetcher, a.limiter, a.runtimeCfg, sink, schedule.Config{
		MaxConcurrentPolls: a.envCfg.MaxConcurrentPolls,
		PollInterval:       a.envCfg.PollInterval,
		WatchdogInterval:   a.envCfg.WatchdogInterval,
		PollTaskCeiling:    a.envCfg.PollTaskCeiling,
		DrainDeadline:      a.envCfg.DrainDeadline,
		ReconcileSchedule:  runtimeConfigSnapshot(a.runtimeCfg).ReconcileSchedule,
		Debug:              a.envCfg.DebugLogging(),
	})

	sender := dispatch.NewWebhookSender(
		a.envCfg.WebhookSecret,
		runtimeConfigSnapshot(a.runtimeCfg).UserAgent,
		func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).DeliveryTimeout.Std()
		},
	)
	a.dispatcher = dispatch.New(a.engine, sender, a.runtimeCfg, a.metricsManager, dispatch.Config{
		Workers:       a.envCfg.DispatchWorkers,
		BatchSize:     a.envCfg.DispatchBatchSize,
		SweepInterval: a.envCfg.DispatchInterval,
		LeaseDuration: a.envCfg.DispatchLease,
		Debug:         a.envCfg.DebugLogging(),
	})
	log.Println("Polling pipeline initialized")
}

func (a *driftApp) buildControlPlane() *service.ControlPlaneService {
	return &service.ControlPlaneService{
		Engine:     a.engine,
		Scheduler:  a.scheduler,
		Dispatcher: a.dispatcher,
		RuntimeCfg: a.runtimeCfg,
		EnvCfg:     a.envCfg,
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: time.Now().UTC(),
		},
	}
}

func (a *driftApp) buildAPIServer(cpService *service.ControlPlaneService) {
	a.apiSrv = api.NewServer(api.ServerOptions{
		ListenAddress:   a.envCfg.ListenAddress,
		Port:            a.envCfg.AdminPort,
		AdminToken:      a.envCfg.AdminToken,
		APIMaxBodyBytes: int64(a.envCfg.APIMaxBodyBytes),
		Info:            cpService.Info,
		RuntimeCfg:      a.runtimeCfg,
		ControlPlane:    cpService,
		PollLog:         a.pollLogRepo,
		Metrics:         a.metricsManager,
		PromRegistry:    a.promRegistry,
	})
}

// applySeedFile registers declared targets and subscribers that do not exist
// yet. Rows already in the store win over seed entries. A malformed file or
// an invalid entry aborts startup.
func applySeedFile(path string, engine *store.StoreEngine, cp *service.ControlPlaneService) error {
	if path == "" {
		return nil
	}
	seed, err := config.LoadSeedFile(path)
	if err != nil {
		return fmt.Errorf("seed file: %w", err)
	}

	created := 0
	for _, st := range seed.Targets {
		if _, err := engine.GetTarget(st.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed target %q: %w", st.ID, err)
		}
		if _, err := cp.CreateTarget(seedTargetRequest(st)); err != nil {
			return fmt.Errorf("seed target %q: %w", st.ID, err)
		}
		created++
	}
	for _, ss := range seed.Subscribers {
		if _, err := engine.GetSubscriber(ss.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed subscriber %q: %w", ss.ID, err)
		}
		if _, err := cp.CreateSubscriber(seedSubscriberRequest(ss)); err != nil {
			return fmt.Errorf("seed subscriber %q: %w", ss.ID, err)
		}
		created++
	}
	log.Printf("Seed file applied: %d new rows from %s", created, path)
	return nil
}

func seedTargetRequest(st config.SeedTarget) service.CreateTargetRequest {
	req := service.CreateTargetRequest{
		ID:            st.ID,
		URL:           &st.URL,
		TrackedFields: st.TrackedFields,
		IgnoreFields:  st.IgnoreFields,
		Enabled:       st.Enabled,
	}
	if st.BaseIntervalS > 0 {
		req.BaseIntervalS = &st.BaseIntervalS
	}
	if st.MinIntervalS > 0 {
		req.MinIntervalS = &st.MinIntervalS
	}
	if st.MaxIntervalS > 0 {
		req.MaxIntervalS = &st.MaxIntervalS
	}
	if st.GracePeriodS > 0 {
		req.GracePeriodS = &st.GracePeriodS
	}
	if st.Adaptive != (config.SeedTarget{}.Adaptive) {
		req.Adaptive = &model.AdaptivePolicy{
			ChangeThreshold:     st.Adaptive.ChangeThreshold,
			StabilityBonus:      st.Adaptive.StabilityBonus,
			ActivityBoost:       st.Adaptive.ActivityBoost,
			LearningWindowHours: st.Adaptive.LearningWindowHours,
		}
	}
	if st.RateLimit != (config.SeedTarget{}.RateLimit) {
		req.RateLimit = &model.RateLimitPolicy{
			PerMinute: st.RateLimit.PerMinute,
			PerHour:   st.RateLimit.PerHour,
			Burst:     st.RateLimit.Burst,
		}
	}
	return req
}

func seedSubscriberRequest(ss config.SeedSubscriber) service.CreateSubscriberRequest {
	req := service.CreateSubscriberRequest{
		ID:       ss.ID,
		Type:     &ss.Type,
		Endpoint: &ss.Endpoint,
		Enabled:  ss.Enabled,
	}
	if ss.TimeoutMs > 0 || ss.MaxRetries > 0 || ss.Secret != "" {
		req.Config = &model.SubscriberConfig{
			TimeoutMs:  ss.TimeoutMs,
			MaxRetries: ss.MaxRetries,
			Secret:     ss.Secret,
		}
	}
	return req
}

func (a *driftApp) startBackgroundServices() {
	a.touchWorker.Start()
	log.Println("Touch flush worker started")

	a.metricsManager.Start()
	log.Println("Metrics manager started")

	a.pollLogSvc.Start()
	log.Println("Poll log service started")

	go a.maintenanceLoop()

	a.dispatcher.Start()
	log.Println("Dispatcher started")

	a.scheduler.Start()
	a.scheduler.ReconcileAsync()
	log.Println("Scheduler started; reconciliation pass running in background")
}

// maintenanceLoop prunes idle rate-limit windows and expired metric buckets.
func (a *driftApp) maintenanceLoop() {
	interval := a.envCfg.MetricFlushInterval
	if interval < time.Minute {
		interval = time.Minute
	}
	scanloop.Run(a.maintStop, interval, interval/6, func() {
		now := time.Now()
		a.limiter.PruneIdle(now)
		cutoff := now.Add(-time.Duration(a.envCfg.MetricRetentionHours) * time.Hour).Unix()
		if _, err := a.metricsDB.PruneBefore(cutoff); err != nil {
			log.Printf("Metrics prune error: %v", err)
		}
	})
}

func (a *driftApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Admin API starting on %s:%d", a.envCfg.ListenAddress, a.envCfg.AdminPort)
		err := a.apiSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("admin api: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

// forceExitOnSecondSignal makes a second SIGINT/SIGTERM during graceful
// shutdown exit immediately.
func forceExitOnSecondSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Printf("Received second signal %s, forcing exit", sig)
		os.Exit(1)
	}()
}

func (a *driftApp) shutdown(ctx context.Context) {
	// Stop in order: listener first, then event sources, then sinks.
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("Admin API shutdown error: %v", err)
	}
	log.Println("Admin API stopped")

	a.scheduler.Stop()
	log.Println("Scheduler stopped")

	a.dispatcher.Stop()
	log.Println("Dispatcher stopped")

	close(a.maintStop)

	a.pollLogSvc.Stop()
	log.Println("Poll log service stopped")
	if err := a.pollLogRepo.Close(); err != nil {
		log.Printf("Poll log repo close error: %v", err)
	}

	a.metricsManager.Stop()
	log.Println("Metrics manager stopped")
	if err := a.metricsDB.Close(); err != nil {
		log.Printf("Metrics DB close error: %v", err)
	}

	a.touchWorker.Stop() // final touch flush before the store closes
	log.Println("Server stopped")
}
