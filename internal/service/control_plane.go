// Package service holds the control-plane business logic behind the admin
// API. Handlers stay thin; validation and persistence orchestration live
// here, surfacing ServiceError codes for response mapping.
package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/store"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// SchedulerControl is the scheduler surface the control plane drives.
type SchedulerControl interface {
	ForcePoll(targetID string) error
	ReconcileAsync()
	SetReconcileSchedule(expr string) error
	ActivePolls() []string
	QueueDepth() int
}

// DispatcherControl is the dispatcher surface the control plane reads.
type DispatcherControl interface {
	InFlight() int
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// ControlPlaneService provides all control plane operations.
type ControlPlaneService struct {
	Engine     *store.StoreEngine
	Scheduler  SchedulerControl
	Dispatcher DispatcherControl
	RuntimeCfg *atomic.Pointer[config.RuntimeConfig]
	EnvCfg     *config.EnvConfig
	Info       SystemInfo

	configMu      sync.Mutex
	configVersion int
}

// GetSystemInfo returns version and build information.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

// SystemStatus is the /api/system/status response model.
type SystemStatus struct {
	UptimeSeconds      int64                         `json:"uptime_seconds"`
	ActivePolls        []string                      `json:"active_polls"`
	SchedulerQueue     int                           `json:"scheduler_queue"`
	InFlightDeliveries int                           `json:"in_flight_deliveries"`
	ListingCounts      map[model.ListingStatus]int64 `json:"listing_counts"`
	EventCounts        map[model.EventStatus]int64   `json:"event_counts"`
	CacheEntries       int                           `json:"cache_entries"`
	PendingTouches     int                           `json:"pending_touches"`
}

// GetSystemStatus aggregates live counters and store counts.
func (s *ControlPlaneService) GetSystemStatus() (*SystemStatus, error) {
	listingCounts, err := s.Engine.CountListingsByStatus()
	if err != nil {
		return nil, internal("count listings", err)
	}
	eventCounts, err := s.Engine.CountEventsByStatus()
	if err != nil {
		return nil, internal("count events", err)
	}

	status := &SystemStatus{
		UptimeSeconds:  int64(time.Since(s.Info.StartedAt).Seconds()),
		ListingCounts:  listingCounts,
		EventCounts:    eventCounts,
		CacheEntries:   s.Engine.CacheSize(),
		PendingTouches: s.Engine.TouchCount(),
	}
	if s.Scheduler != nil {
		status.ActivePolls = s.Scheduler.ActivePolls()
		status.SchedulerQueue = s.Scheduler.QueueDepth()
	}
	if status.ActivePolls == nil {
		status.ActivePolls = []string{}
	}
	if s.Dispatcher != nil {
		status.InFlightDeliveries = s.Dispatcher.InFlight()
	}
	return status, nil
}

// ForcePollTarget queues an immediate poll for the target, bypassing the
// due check.
func (s *ControlPlaneService) ForcePollTarget(id string) error {
	if _, err := s.getTargetModel(id); err != nil {
		return err
	}
	if err := s.Scheduler.ForcePoll(id); err != nil {
		return conflict(err.Error())
	}
	return nil
}

// TriggerReconcile starts a reconciliation sweep in the background.
func (s *ControlPlaneService) TriggerReconcile() {
	s.Scheduler.ReconcileAsync()
}
