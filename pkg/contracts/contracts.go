// Package contracts defines the service interfaces exposed across the
// control plane's package boundary, so HTTP handlers and tool/driver
// authors can depend on pkg/ types without importing internal/ directly.
package contracts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed
// in pkg/ so external tool/driver authors can reference it.
type Store = store.Store

// ── Notification ─────────────────────────────────────────────

// NotificationEvent is the payload delivered to a ChannelDriver when a run
// or gate reaches a notable state (run.succeeded, run.failed, run.cancelled,
// gate.created).
type NotificationEvent struct {
	Type      string          `json:"type"`
	RunID     string          `json:"runId"`
	StepID    string          `json:"stepId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChannelDriver sends a NotificationEvent through a specific channel kind.
// The core ships WebhookChannelDriver; additional drivers register
// themselves against the Notify Service at startup.
type ChannelDriver interface {
	// Kind returns a short identifier for this driver (e.g. "webhook").
	Kind() string

	// Send delivers event to the configured destination.
	Send(ctx context.Context, event NotificationEvent) error
}

// ── Archive Driver ───────────────────────────────────────────

// ArchiveDriver writes a Run's full timeline to a durable archive backend
// before the retention Janitor cascades its deletion from the Store.
type ArchiveDriver interface {
	Kind() string
	ArchiveRun(ctx context.Context, snapshot models.RunSnapshot) (uri string, err error)
	HealthCheck(ctx context.Context) error
}
