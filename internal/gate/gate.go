// Package gate implements the gate engine: the pending/passed/
// waived/failed state machine that blocks step advancement until a policy
// checkpoint is resolved.
package gate

import (
	"context"
	"encoding/json"

	"github.com/runforge/controlplane/internal/coreerr"
	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/pkg/models"
)

// Reconciler is notified after every gate resolution so the Run Coordinator
// can recompute the ready set. Implemented by *coordinator.Coordinator; a
// separate interface here avoids a gate->coordinator import cycle.
type Reconciler interface {
	Reconcile(ctx context.Context, runID string)
}

// Publisher fans a recorded Event out to live subscribers. Implemented by
// *events.Hub; a local interface avoids a gate->events import requirement.
type Publisher interface {
	Publish(ev models.Event)
}

// Engine implements the gate state machine on top of the Store.
type Engine struct {
	store      store.Store
	hub        Publisher
	reconciler Reconciler
}

// New creates a Gate Engine backed by s, publishing recorded events to hub.
// SetReconciler must be called before Approve/Waive/Fail trigger
// reconciliation (coordinator.New wires this when it builds the Coordinator).
func New(s store.Store, hub Publisher) *Engine {
	return &Engine{store: s, hub: hub}
}

// SetReconciler wires the Run Coordinator for post-resolution reconciliation.
func (e *Engine) SetReconciler(r Reconciler) {
	e.reconciler = r
}

// CreateOrGet returns the existing gate for (runID, stepID, gateType), or
// creates one in pending status and records gate.created.
func (e *Engine) CreateOrGet(ctx context.Context, runID, stepID, gateType string) (*models.Gate, error) {
	gate, created, err := e.store.CreateOrGetGate(ctx, runID, stepID, gateType)
	if err != nil {
		return nil, err
	}
	if created {
		payload, _ := json.Marshal(map[string]string{"gateId": gate.ID, "gateType": gate.GateType})
		ev, err := e.store.RecordEvent(ctx, runID, models.EventGateCreated, payload, stepID)
		if err != nil {
			return nil, err
		}
		e.hub.Publish(*ev)
	}
	return gate, nil
}

// Approve transitions a pending gate to passed. actor must already satisfy
// the admin capability asserted by the transport layer; the core
// itself performs no identity validation beyond recording approvedBy.
func (e *Engine) Approve(ctx context.Context, gateID, actor, reason string) (*models.Gate, error) {
	return e.resolve(ctx, gateID, models.GatePassed, actor, reason, models.EventGateApproved)
}

// Waive transitions a pending gate to waived, same authorization as Approve.
func (e *Engine) Waive(ctx context.Context, gateID, actor, reason string) (*models.Gate, error) {
	return e.resolve(ctx, gateID, models.GateWaived, actor, reason, models.EventGateWaived)
}

// Fail transitions a pending gate to failed; may be invoked by an
// automated check rather than a human actor.
func (e *Engine) Fail(ctx context.Context, gateID, reason string) (*models.Gate, error) {
	return e.resolve(ctx, gateID, models.GateFailed, "", reason, models.EventGateFailed)
}

func (e *Engine) resolve(ctx context.Context, gateID string, status models.GateStatus, actor, reason, eventType string) (*models.Gate, error) {
	gate, err := e.store.UpdateGate(ctx, gateID, models.GatePatch{
		Status:     status,
		ApprovedBy: actor,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"gateId": gate.ID, "actor": actor, "reason": reason})
	ev, err := e.store.RecordEvent(ctx, gate.RunID, eventType, payload, gate.StepID)
	if err != nil {
		return nil, err
	}
	e.hub.Publish(*ev)

	if e.reconciler != nil {
		e.reconciler.Reconcile(ctx, gate.RunID)
	}
	return gate, nil
}

// AllResolved reports whether every gate in gates is non-pending. A failed
// gate counts as resolved: the step can never run, and the coordinator
// terminally fails it during ready-set computation (see FirstFailed).
func AllResolved(gates []models.Gate) bool {
	for _, g := range gates {
		if g.Status == models.GatePending {
			return false
		}
	}
	return true
}

// AllPassable reports whether every gate is passed or waived — the actual
// ready-step predicate: every declared gate is non-pending,
// combined with the invariant that a failed gate must never let the step
// advance.
func AllPassable(gates []models.Gate) bool {
	for _, g := range gates {
		if g.Status != models.GatePassed && g.Status != models.GateWaived {
			return false
		}
	}
	return true
}

// FirstFailed returns the first failed gate in gates, if any. A failed
// gate is terminal, so its step can never become ready; the coordinator
// uses this to fail the step outright instead of leaving it stranded in
// queued forever.
func FirstFailed(gates []models.Gate) (*models.Gate, bool) {
	for i := range gates {
		if gates[i].Status == models.GateFailed {
			return &gates[i], true
		}
	}
	return nil, false
}

// IsInvalidTransition distinguishes "already resolved" races (concurrent
// approve+waive: exactly one wins).
func IsInvalidTransition(err error) bool {
	return coreerr.ClassOf(err) == coreerr.InvalidTransition
}
