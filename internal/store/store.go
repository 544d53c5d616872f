// Package store provides the storage interface and implementations for the
// control plane. The in-memory driver is used for local/dev and tests; the
// PostgreSQL driver backs production deployments. Both implement Store.
package store

import (
	"context"
	"time"

	"github.com/runforge/controlplane/pkg/models"
)

// Store is the durable mapping of Runs, Steps, Events, Gates, and Inbox keys
// that every other core component depends on. Swappable between in-memory
// (tests, local/dev) and PostgreSQL (production) implementations.
type Store interface {
	RunStore
	StepStore
	EventStore
	GateStore
	InboxStore

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Run Store ────────────────────────────────────────────────

type RunStore interface {
	// CreateRun materialises a Run and all of its Steps atomically.
	CreateRun(ctx context.Context, plan models.Plan, projectID string) (*models.Run, []models.Step, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// UpdateRun applies patch; forbids terminal -> non-terminal transitions.
	UpdateRun(ctx context.Context, runID string, patch models.RunPatch) (*models.Run, error)
	// DeleteRun cascades Steps, Events, and Gates for runID. Inbox keys are
	// not removed.
	DeleteRun(ctx context.Context, runID string) error
	// ListRunsOlderThan returns runs in a terminal status created before cutoff, for retention.
	ListRunsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Run, error)
}

// ── Step Store ───────────────────────────────────────────────

type StepStore interface {
	// CreateStep returns the existing Step if (runID, name) collides.
	CreateStep(ctx context.Context, runID, name, tool string, inputs []byte, idempotencyKey string) (*models.Step, bool, error)
	GetStep(ctx context.Context, stepID string) (*models.Step, error)
	GetStepByName(ctx context.Context, runID, name string) (*models.Step, error)
	ListStepsByRun(ctx context.Context, runID string) ([]models.Step, error)
	// UpdateStep enforces the step status DAG; setting a terminal status
	// also sets EndedAt.
	UpdateStep(ctx context.Context, stepID string, patch models.StepPatch) (*models.Step, error)
}

// ── Event Store ──────────────────────────────────────────────

type EventStore interface {
	// RecordEvent assigns the next sequence for runID within a single transaction.
	RecordEvent(ctx context.Context, runID, eventType string, payload []byte, stepID string) (*models.Event, error)
	ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]models.Event, error)
	// SnapshotAt returns run metadata plus events with seq <= sequence.
	SnapshotAt(ctx context.Context, runID string, sequence int64) (*models.Run, []models.Event, error)
	// Rollback truncates the timeline to sequence, renumbering contiguously,
	// and records run.metadata.last_rollback_sequence.
	Rollback(ctx context.Context, runID string, sequence int64) (*models.Run, []models.Event, error)
}

// ── Gate Store ───────────────────────────────────────────────

type GateStore interface {
	// CreateOrGetGate returns the existing gate for (runID, stepID, gateType) if present.
	CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*models.Gate, bool, error)
	GetGate(ctx context.Context, gateID string) (*models.Gate, error)
	ListGatesByRun(ctx context.Context, runID string) ([]models.Gate, error)
	// UpdateGate enforces that pending -> terminal is one-way.
	UpdateGate(ctx context.Context, gateID string, patch models.GatePatch) (*models.Gate, error)
}

// ── Inbox Store ──────────────────────────────────────────────

type InboxStore interface {
	// InboxMarkIfNew returns true at most once across all callers for a given key.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)
}

// ── Filter helpers ───────────────────────────────────────────

// ListFilter provides common pagination/filter options for future extension.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
