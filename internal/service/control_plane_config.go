package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftwatch/driftwatch/internal/config"
)

// runtimeConfigAllowedFields is the set of JSON field names that can be patched.
var runtimeConfigAllowedFields = map[string]bool{
	"user_agent":           true,
	"request_timeout":      true,
	"min_significance":     true,
	"peak_start_hour":      true,
	"peak_end_hour":        true,
	"reconcile_schedule":   true,
	"failure_threshold":    true,
	"open_duration":        true,
	"half_open_probe":      true,
	"delivery_timeout":     true,
	"dispatch_max_retries": true,
	"poll_log_enabled":     true,
}

// GetRuntimeConfig returns the live runtime configuration.
func (s *ControlPlaneService) GetRuntimeConfig() *config.RuntimeConfig {
	return s.RuntimeCfg.Load()
}

func parseRuntimeConfigPatch(patchJSON json.RawMessage, out *config.RuntimeConfig) *ServiceError {
	var rawPatch map[string]json.RawMessage
	if err := json.Unmarshal(patchJSON, &rawPatch); err != nil {
		return invalidArg("invalid JSON: " + err.Error())
	}
	if len(rawPatch) == 0 {
		return invalidArg("empty patch")
	}
	for key, raw := range rawPatch {
		if !runtimeConfigAllowedFields[key] {
			return invalidArg(fmt.Sprintf("unknown or read-only field: %q", key))
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidArg("validation failed: " + err.Error())
	}
	return nil
}

func copyRuntimeConfig(cfg *config.RuntimeConfig) *config.RuntimeConfig {
	if cfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	out := *cfg
	return &out
}

// PatchRuntimeConfig applies a constrained partial patch to the runtime
// config. This is not RFC 7396 JSON Merge Patch: patch must be a non-empty
// object and null values are rejected.
// Pipeline: validate → persist → atomic swap → notify scheduler.
func (s *ControlPlaneService) PatchRuntimeConfig(patchJSON json.RawMessage) (*config.RuntimeConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	oldCfg := s.RuntimeCfg.Load()
	newCfg := copyRuntimeConfig(oldCfg)
	if verr := parseRuntimeConfigPatch(patchJSON, newCfg); verr != nil {
		return nil, verr
	}
	if verr := validateRuntimeConfig(newCfg); verr != nil {
		return nil, verr
	}

	// On process start, initialize local configVersion from persisted state
	// so PATCH keeps monotonically increasing versions across restarts.
	if s.configVersion == 0 && s.Engine != nil {
		_, persistedVersion, err := s.Engine.GetSystemConfig()
		if err != nil {
			return nil, internal("load persisted config version", err)
		}
		if persistedVersion > s.configVersion {
			s.configVersion = persistedVersion
		}
	}

	newVersion := s.configVersion + 1
	if err := s.Engine.SaveSystemConfig(newCfg, newVersion, time.Now().UnixNano()); err != nil {
		return nil, internal("persist config", err)
	}

	s.RuntimeCfg.Store(newCfg)
	s.configVersion = newVersion

	if s.Scheduler != nil && (oldCfg == nil || oldCfg.ReconcileSchedule != newCfg.ReconcileSchedule) {
		if err := s.Scheduler.SetReconcileSchedule(newCfg.ReconcileSchedule); err != nil {
			// Validation above already parsed the expression; a failure here
			// means the scheduler is shutting down.
			return nil, internal("apply reconcile schedule", err)
		}
	}
	return newCfg, nil
}

func validateRuntimeConfig(cfg *config.RuntimeConfig) *ServiceError {
	if cfg.UserAgent == "" {
		return invalidArg("user_agent: must be non-empty")
	}
	if cfg.RequestTimeout <= 0 {
		return invalidArg("request_timeout: must be > 0")
	}
	if cfg.MinSignificance < 0 || cfg.MinSignificance > 1 {
		return invalidArg("min_significance: must be in [0,1]")
	}
	if cfg.PeakStartHour < 0 || cfg.PeakStartHour > 23 {
		return invalidArg("peak_start_hour: must be in [0,23]")
	}
	if cfg.PeakEndHour < 0 || cfg.PeakEndHour > 23 {
		return invalidArg("peak_end_hour: must be in [0,23]")
	}
	if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
		return invalidArg("reconcile_schedule: " + err.Error())
	}
	if cfg.FailureThreshold < 1 {
		return invalidArg("failure_threshold: must be >= 1")
	}
	if cfg.OpenDuration <= 0 {
		return invalidArg("open_duration: must be > 0")
	}
	if cfg.HalfOpenProbe < 1 {
		return invalidArg("half_open_probe: must be >= 1")
	}
	if cfg.DeliveryTimeout <= 0 {
		return invalidArg("delivery_timeout: must be > 0")
	}
	if cfg.DispatchMaxRetries < 1 {
		return invalidArg("dispatch_max_retries: must be >= 1")
	}
	return nil
}
