package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
)

const defaultDeliveryTimeout = 10 * time.Second

// Sender delivers one event to one subscriber. Injectable for testing.
type Sender interface {
	Send(ctx context.Context, sub *model.Subscriber, ev *model.ChangeEvent) error
}

// WebhookSender POSTs signed JSON event payloads to subscriber endpoints.
// The signing secret and timeout are global defaults; a subscriber's config
// overrides both for its own deliveries.
type WebhookSender struct {
	client    *http.Client
	secret    string
	userAgent string
	timeout   func() time.Duration
}

// NewWebhookSender creates a WebhookSender. timeout is read per delivery,
// supporting hot-reload from RuntimeConfig; nil falls back to 10s.
func NewWebhookSender(secret, userAgent string, timeout func() time.Duration) *WebhookSender {
	return &WebhookSender{
		// No client.Timeout — the deadline comes from the request context.
		client:    &http.Client{},
		secret:    secret,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// payload builds the wire form of an event. A map keeps the JSON keys
// sorted, so the signed bytes are stable for a given event.
func payload(ev *model.ChangeEvent, now time.Time) map[string]any {
	changed := ev.ChangedFields
	if changed == nil {
		changed = []model.ChangedField{}
	}
	return map[string]any{
		"eventId":         ev.EventID,
		"eventType":       ev.EventType,
		"source":          ev.Source,
		"listingId":       ev.ListingID,
		"version":         ev.Version,
		"changedFields":   changed,
		"fieldHashBefore": ev.FieldHashBefore,
		"fieldHashAfter":  ev.FieldHashAfter,
		"significance":    ev.Significance,
		"confidence":      ev.Confidence,
		"metadata":        ev.Metadata,
		"detectedAt":      time.Unix(0, ev.DetectedAtNs).UTC().Format(time.RFC3339),
		"timestamp":       now.UTC().Format(time.RFC3339),
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret. Exported so
// subscribers' docs and tests share the exact verification routine.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send delivers ev to sub's endpoint. Any transport error or non-2xx
// response is a failed delivery.
func (s *WebhookSender) Send(ctx context.Context, sub *model.Subscriber, ev *model.ChangeEvent) error {
	body, err := json.Marshal(payload(ev, time.Now()))
	if err != nil {
		return fmt.Errorf("webhook: encode event %s: %w", ev.EventID, err)
	}

	timeout := defaultDeliveryTimeout
	if s.timeout != nil {
		if t := s.timeout(); t > 0 {
			timeout = t
		}
	}
	if sub.Config.TimeoutMs > 0 {
		timeout = time.Duration(sub.Config.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request for %s: %w", sub.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("X-Event-Id", ev.EventID)
	req.Header.Set("X-Event-Type", string(ev.EventType))

	secret := s.secret
	if sub.Config.Secret != "" {
		secret = sub.Config.Secret
	}
	if secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver %s to %s: %w", ev.EventID, sub.ID, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: deliver %s to %s: status %d", ev.EventID, sub.ID, resp.StatusCode)
	}
	return nil
}
