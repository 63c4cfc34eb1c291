package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/netutil"
	"github.com/driftwatch/driftwatch/internal/store"
)

// Built-in target defaults applied when a create request leaves a knob unset.
const (
	defaultBaseIntervalS = 300
	defaultMinIntervalS  = 60
	defaultMaxIntervalS  = 3600
	defaultGracePeriodS  = 300
)

func defaultAdaptivePolicy() model.AdaptivePolicy {
	return model.AdaptivePolicy{
		ChangeThreshold:     2.0,
		StabilityBonus:      1.0,
		ActivityBoost:       2.0,
		LearningWindowHours: 1,
	}
}

func defaultRateLimitPolicy() model.RateLimitPolicy {
	return model.RateLimitPolicy{PerMinute: 10, PerHour: 300, Burst: 2}
}

var targetPatchAllowedFields = map[string]bool{
	"url":             true,
	"base_interval_s": true,
	"min_interval_s":  true,
	"max_interval_s":  true,
	"adaptive":        true,
	"rate_limit":      true,
	"tracked_fields":  true,
	"ignore_fields":   true,
	"grace_period_s":  true,
	"enabled":         true,
}

// ListTargets returns all polling targets.
func (s *ControlPlaneService) ListTargets() ([]model.PollingTarget, error) {
	targets, err := s.Engine.ListTargets()
	if err != nil {
		return nil, internal("list targets", err)
	}
	if targets == nil {
		targets = []model.PollingTarget{}
	}
	return targets, nil
}

func (s *ControlPlaneService) getTargetModel(id string) (*model.PollingTarget, error) {
	t, err := s.Engine.GetTarget(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("target not found")
		}
		return nil, internal("get target", err)
	}
	return t, nil
}

// GetTarget returns a single polling target by ID.
func (s *ControlPlaneService) GetTarget(id string) (*model.PollingTarget, error) {
	return s.getTargetModel(id)
}

// CreateTargetRequest holds create target parameters. Absent fields fall
// back to built-in defaults.
type CreateTargetRequest struct {
	ID            string                 `json:"id"`
	URL           *string                `json:"url"`
	BaseIntervalS *int64                 `json:"base_interval_s"`
	MinIntervalS  *int64                 `json:"min_interval_s"`
	MaxIntervalS  *int64                 `json:"max_interval_s"`
	Adaptive      *model.AdaptivePolicy  `json:"adaptive"`
	RateLimit     *model.RateLimitPolicy `json:"rate_limit"`
	TrackedFields []string               `json:"tracked_fields"`
	IgnoreFields  []string               `json:"ignore_fields"`
	GracePeriodS  *int64                 `json:"grace_period_s"`
	Enabled       *bool                  `json:"enabled"`
}

// CreateTarget validates and registers a new polling target.
func (s *ControlPlaneService) CreateTarget(req CreateTargetRequest) (*model.PollingTarget, error) {
	if req.URL == nil || strings.TrimSpace(*req.URL) == "" {
		return nil, invalidArg("url is required")
	}
	rawURL := strings.TrimSpace(*req.URL)
	if _, verr := parseHTTPAbsoluteURL("url", rawURL); verr != nil {
		return nil, verr
	}
	domain := netutil.ExtractDomain(rawURL)
	if domain == "" {
		return nil, invalidArg("url: cannot derive domain")
	}

	now := time.Now().UnixNano()
	t := model.PollingTarget{
		ID:            strings.TrimSpace(req.ID),
		URL:           rawURL,
		Domain:        domain,
		BaseIntervalS: defaultBaseIntervalS,
		MinIntervalS:  defaultMinIntervalS,
		MaxIntervalS:  defaultMaxIntervalS,
		Adaptive:      defaultAdaptivePolicy(),
		RateLimit:     defaultRateLimitPolicy(),
		TrackedFields: req.TrackedFields,
		IgnoreFields:  req.IgnoreFields,
		GracePeriodS:  defaultGracePeriodS,
		Enabled:       true,
		BreakerState:  model.BreakerClosed,
		CreatedAtNs:   now,
		UpdatedAtNs:   now,
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	} else if _, err := s.Engine.GetTarget(t.ID); err == nil {
		return nil, conflict("target id already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, internal("get target", err)
	}
	if req.BaseIntervalS != nil {
		t.BaseIntervalS = *req.BaseIntervalS
	}
	if req.MinIntervalS != nil {
		t.MinIntervalS = *req.MinIntervalS
	}
	if req.MaxIntervalS != nil {
		t.MaxIntervalS = *req.MaxIntervalS
	}
	if req.Adaptive != nil {
		t.Adaptive = *req.Adaptive
	}
	if req.RateLimit != nil {
		t.RateLimit = *req.RateLimit
	}
	if req.GracePeriodS != nil {
		t.GracePeriodS = *req.GracePeriodS
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	if verr := validateTarget(&t); verr != nil {
		return nil, verr
	}
	if err := s.Engine.UpsertTarget(&t); err != nil {
		return nil, internal("persist target", err)
	}
	return &t, nil
}

// UpdateTarget applies a constrained partial patch to a target. This is not
// RFC 7396 JSON Merge Patch: patch must be a non-empty object and null
// values are rejected. Runtime state fields are read-only.
func (s *ControlPlaneService) UpdateTarget(id string, patchJSON json.RawMessage) (*model.PollingTarget, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(targetPatchAllowedFields, func(key string) string {
		return fmt.Sprintf("field %q is read-only or unknown", key)
	}); verr != nil {
		return nil, verr
	}

	t, err := s.getTargetModel(id)
	if err != nil {
		return nil, err
	}

	if rawURL, ok, verr := patch.optionalNonEmptyString("url"); verr != nil {
		return nil, verr
	} else if ok {
		if _, verr := parseHTTPAbsoluteURL("url", rawURL); verr != nil {
			return nil, verr
		}
		domain := netutil.ExtractDomain(rawURL)
		if domain == "" {
			return nil, invalidArg("url: cannot derive domain")
		}
		t.URL = rawURL
		t.Domain = domain
	}

	for field, dst := range map[string]*int64{
		"base_interval_s": &t.BaseIntervalS,
		"min_interval_s":  &t.MinIntervalS,
		"max_interval_s":  &t.MaxIntervalS,
		"grace_period_s":  &t.GracePeriodS,
	} {
		if v, ok, verr := patch.optionalInt64(field); verr != nil {
			return nil, verr
		} else if ok {
			*dst = v
		}
	}

	if raw, ok := patch["adaptive"]; ok {
		if verr := decodePatchObject("adaptive", raw, &t.Adaptive); verr != nil {
			return nil, verr
		}
	}
	if raw, ok := patch["rate_limit"]; ok {
		if verr := decodePatchObject("rate_limit", raw, &t.RateLimit); verr != nil {
			return nil, verr
		}
	}
	if fields, ok, verr := patch.optionalStringSlice("tracked_fields"); verr != nil {
		return nil, verr
	} else if ok {
		t.TrackedFields = fields
	}
	if fields, ok, verr := patch.optionalStringSlice("ignore_fields"); verr != nil {
		return nil, verr
	} else if ok {
		t.IgnoreFields = fields
	}
	if enabled, ok, verr := patch.optionalBool("enabled"); verr != nil {
		return nil, verr
	} else if ok {
		t.Enabled = enabled
	}

	if verr := validateTarget(t); verr != nil {
		return nil, verr
	}
	t.UpdatedAtNs = time.Now().UnixNano()
	if err := s.Engine.UpsertTarget(t); err != nil {
		return nil, internal("persist target", err)
	}
	return t, nil
}

// DeleteTarget removes a polling target. Its listings and events survive.
func (s *ControlPlaneService) DeleteTarget(id string) error {
	if err := s.Engine.DeleteTarget(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("target not found")
		}
		return internal("delete target", err)
	}
	return nil
}

func validateTarget(t *model.PollingTarget) *ServiceError {
	if t.MinIntervalS <= 0 {
		return invalidArg("min_interval_s: must be > 0")
	}
	if t.MinIntervalS > t.BaseIntervalS || t.BaseIntervalS > t.MaxIntervalS {
		return invalidArg("intervals: require min_interval_s <= base_interval_s <= max_interval_s")
	}
	if t.Adaptive.StabilityBonus <= 0 || t.Adaptive.StabilityBonus > 1 {
		return invalidArg("adaptive.stability_bonus: must be in (0,1]")
	}
	if t.Adaptive.ActivityBoost < 1 {
		return invalidArg("adaptive.activity_boost: must be >= 1")
	}
	if t.Adaptive.ChangeThreshold < 0 {
		return invalidArg("adaptive.change_threshold: must be non-negative")
	}
	if t.Adaptive.LearningWindowHours < 0 {
		return invalidArg("adaptive.learning_window_hours: must be non-negative")
	}
	if t.RateLimit.PerMinute < 0 || t.RateLimit.PerHour < 0 || t.RateLimit.Burst < 0 {
		return invalidArg("rate_limit: values must be non-negative")
	}
	if t.GracePeriodS < 0 {
		return invalidArg("grace_period_s: must be non-negative")
	}
	return nil
}
