package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/store"
)

var subscriberPatchAllowedFields = map[string]bool{
	"endpoint": true,
	"config":   true,
	"enabled":  true,
}

// ListSubscribers returns all registered subscribers.
func (s *ControlPlaneService) ListSubscribers() ([]model.Subscriber, error) {
	subs, err := s.Engine.ListSubscribers()
	if err != nil {
		return nil, internal("list subscribers", err)
	}
	if subs == nil {
		subs = []model.Subscriber{}
	}
	return subs, nil
}

// GetSubscriber returns a single subscriber by ID.
func (s *ControlPlaneService) GetSubscriber(id string) (*model.Subscriber, error) {
	sub, err := s.Engine.GetSubscriber(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("subscriber not found")
		}
		return nil, internal("get subscriber", err)
	}
	return sub, nil
}

// CreateSubscriberRequest holds create subscriber parameters.
type CreateSubscriberRequest struct {
	ID       string                  `json:"id"`
	Type     *string                 `json:"type"`
	Endpoint *string                 `json:"endpoint"`
	Config   *model.SubscriberConfig `json:"config"`
	Enabled  *bool                   `json:"enabled"`
}

// CreateSubscriber validates and registers a new subscriber.
func (s *ControlPlaneService) CreateSubscriber(req CreateSubscriberRequest) (*model.Subscriber, error) {
	if req.Type == nil {
		return nil, invalidArg("type is required")
	}
	subType := model.NormalizeSubscriberType(*req.Type)
	if subType == "" {
		return nil, invalidArg(fmt.Sprintf("type: must be %s, %s, or %s",
			model.SubscriberWebhook, model.SubscriberWebsocket, model.SubscriberEmail))
	}
	if req.Endpoint == nil || strings.TrimSpace(*req.Endpoint) == "" {
		return nil, invalidArg("endpoint is required")
	}
	endpoint := strings.TrimSpace(*req.Endpoint)
	if verr := validateSubscriberEndpoint(subType, endpoint); verr != nil {
		return nil, verr
	}

	now := time.Now().UnixNano()
	sub := model.Subscriber{
		ID:          strings.TrimSpace(req.ID),
		Type:        subType,
		Endpoint:    endpoint,
		Enabled:     true,
		CreatedAtNs: now,
		UpdatedAtNs: now,
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	} else if _, err := s.Engine.GetSubscriber(sub.ID); err == nil {
		return nil, conflict("subscriber id already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, internal("get subscriber", err)
	}
	if req.Config != nil {
		sub.Config = *req.Config
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if verr := validateSubscriberConfig(sub.Config); verr != nil {
		return nil, verr
	}

	if err := s.Engine.UpsertSubscriber(&sub); err != nil {
		return nil, internal("persist subscriber", err)
	}
	return &sub, nil
}

// UpdateSubscriber applies a constrained partial patch to a subscriber.
// The transport type is immutable after creation.
func (s *ControlPlaneService) UpdateSubscriber(id string, patchJSON json.RawMessage) (*model.Subscriber, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(subscriberPatchAllowedFields, func(key string) string {
		return fmt.Sprintf("field %q is read-only or unknown", key)
	}); verr != nil {
		return nil, verr
	}

	sub, err := s.GetSubscriber(id)
	if err != nil {
		return nil, err
	}

	if endpoint, ok, verr := patch.optionalNonEmptyString("endpoint"); verr != nil {
		return nil, verr
	} else if ok {
		if verr := validateSubscriberEndpoint(sub.Type, endpoint); verr != nil {
			return nil, verr
		}
		sub.Endpoint = endpoint
	}
	if raw, ok := patch["config"]; ok {
		if verr := decodePatchObject("config", raw, &sub.Config); verr != nil {
			return nil, verr
		}
		if verr := validateSubscriberConfig(sub.Config); verr != nil {
			return nil, verr
		}
	}
	if enabled, ok, verr := patch.optionalBool("enabled"); verr != nil {
		return nil, verr
	} else if ok {
		sub.Enabled = enabled
	}

	sub.UpdatedAtNs = time.Now().UnixNano()
	if err := s.Engine.UpsertSubscriber(sub); err != nil {
		return nil, internal("persist subscriber", err)
	}
	return sub, nil
}

// DeleteSubscriber removes a subscriber.
func (s *ControlPlaneService) DeleteSubscriber(id string) error {
	if err := s.Engine.DeleteSubscriber(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("subscriber not found")
		}
		return internal("delete subscriber", err)
	}
	return nil
}

func validateSubscriberEndpoint(subType model.SubscriberType, endpoint string) *ServiceError {
	switch subType {
	case model.SubscriberWebhook:
		if _, verr := parseHTTPAbsoluteURL("endpoint", endpoint); verr != nil {
			return verr
		}
	case model.SubscriberEmail:
		at := strings.IndexByte(endpoint, '@')
		if at <= 0 || at == len(endpoint)-1 {
			return invalidArg("endpoint: must be an email address")
		}
	case model.SubscriberWebsocket:
		if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
			return invalidArg("endpoint: must be a ws/wss URL")
		}
	}
	return nil
}

func validateSubscriberConfig(cfg model.SubscriberConfig) *ServiceError {
	if cfg.TimeoutMs < 0 {
		return invalidArg("config.timeout_ms: must be non-negative")
	}
	if cfg.MaxRetries < 0 {
		return invalidArg("config.max_retries: must be non-negative")
	}
	return nil
}
