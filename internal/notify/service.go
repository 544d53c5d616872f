// Package notify dispatches run and gate lifecycle notifications to
// registered notification channels.
//
// The built-in driver is the webhook: an HTTP POST with optional
// HMAC-SHA256 signing. Additional drivers (Slack, Teams, email, ...)
// register themselves via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/pkg/contracts"
	"github.com/runforge/controlplane/pkg/models"
)

// notifiedEvents are the timeline event types that fan out to channels.
var notifiedEvents = map[string]bool{
	models.EventRunSucceeded: true,
	models.EventRunFailed:    true,
	models.EventRunCancelled: true,
	models.EventGateCreated:  true,
}

// Channel is one configured notification destination.
type Channel struct {
	Kind   string `json:"kind"`
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Service dispatches lifecycle events to registered channels. It
// implements the coordinator/gate Publisher contract so it can sit behind
// the same fan-out as the live-timeline Hub.
type Service struct {
	client   *http.Client
	channels []Channel

	drivers map[string]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a notification service with the built-in webhook
// driver. channels may be empty, in which case Publish is a no-op.
func NewService(channels []Channel) *Service {
	svc := &Service{
		client:   &http.Client{Timeout: 15 * time.Second},
		channels: channels,
		drivers:  make(map[string]contracts.ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces the channel driver for driver.Kind().
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", driver.Kind()).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a given channel kind, or nil.
func (s *Service) GetDriver(kind string) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Publish forwards notable timeline events to every configured channel.
// Dispatch runs in its own goroutine so a slow webhook endpoint never
// stalls a worker's event-recording path.
func (s *Service) Publish(ev models.Event) {
	if len(s.channels) == 0 || !notifiedEvents[ev.Type] {
		return
	}

	notification := contracts.NotificationEvent{
		Type:      ev.Type,
		RunID:     ev.RunID,
		StepID:    ev.StepID,
		Payload:   ev.Payload,
		Timestamp: ev.OccurredAt,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, ch := range s.channels {
			driver := s.GetDriver(ch.Kind)
			if driver == nil {
				log.Warn().Str("kind", ch.Kind).Msg("No driver registered for notification channel")
				continue
			}
			if err := s.send(ctx, driver, ch, notification); err != nil {
				log.Warn().Err(err).Str("kind", ch.Kind).Str("run", ev.RunID).Str("event", ev.Type).Msg("Notification dispatch failed")
			}
		}
	}()
}

func (s *Service) send(ctx context.Context, driver contracts.ChannelDriver, ch Channel, event contracts.NotificationEvent) error {
	if wd, ok := driver.(*WebhookChannelDriver); ok {
		return wd.SendTo(ctx, ch, event)
	}
	return driver.Send(ctx, event)
}

// ── Webhook Channel Driver (built-in) ────────────────────────

// WebhookChannelDriver sends notifications via HTTP POST to a webhook URL
// with optional HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client *http.Client
}

// Kind returns "webhook".
func (d *WebhookChannelDriver) Kind() string { return "webhook" }

// Send implements contracts.ChannelDriver for callers without a per-channel
// destination; the service itself always goes through SendTo.
func (d *WebhookChannelDriver) Send(ctx context.Context, event contracts.NotificationEvent) error {
	return fmt.Errorf("webhook driver requires a channel destination")
}

// SendTo posts the event as JSON to the channel's URL with optional HMAC
// signing, making up to 3 attempts with linear backoff (2s, then 4s).
func (d *WebhookChannelDriver) SendTo(ctx context.Context, ch Channel, event contracts.NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ControlPlane-Webhook/1.0")
		req.Header.Set("X-ControlPlane-Event", event.Type)
		req.Header.Set("X-ControlPlane-Run", event.RunID)
		if ch.Secret != "" {
			mac := hmac.New(sha256.New, []byte(ch.Secret))
			mac.Write(body)
			sig := hex.EncodeToString(mac.Sum(nil))
			req.Header.Set("X-ControlPlane-Signature", "sha256="+sig)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
