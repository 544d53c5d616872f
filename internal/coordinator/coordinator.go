// Package coordinator implements the run coordinator: plan
// validation, run/step materialisation, ready-set computation, and
// terminal reconciliation.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/gate"
	"github.com/runforge/controlplane/internal/queue"
	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/pkg/models"
)

// ReadyTopic is the queue topic carrying step.ready deliveries.
const ReadyTopic = "step.ready"

// Config governs coordinator-side tunables.
type Config struct {
	BackpressureThreshold int64
	BackpressureDelay     time.Duration
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		BackpressureThreshold: 1000,
		BackpressureDelay:     5 * time.Second,
	}
}

// Publisher fans a recorded Event out to live subscribers. Implemented by
// *events.Hub; a local interface avoids a coordinator->events import.
type Publisher interface {
	Publish(ev models.Event)
}

// Coordinator turns plan submissions and lifecycle events into ready-step
// enqueues and run-status reconciliation.
type Coordinator struct {
	store store.Store
	queue queue.Driver
	gates *gate.Engine
	hub   Publisher
	cfg   Config
}

// New creates a Coordinator wired to store, queue, the Gate Engine, and a
// Publisher for live timeline streaming. It registers itself as the gate
// engine's Reconciler.
func New(s store.Store, q queue.Driver, gates *gate.Engine, hub Publisher, cfg Config) *Coordinator {
	c := &Coordinator{store: s, queue: q, gates: gates, hub: hub, cfg: cfg}
	gates.SetReconciler(c)
	return c
}

// readyPayload is the wire shape enqueued onto step.ready.
type readyPayload struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	Attempt        int    `json:"__attempt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Submit validates and materialises plan as a new Run, emits run.created,
// creates any declared gates, and enqueues the initially-ready steps.
func (c *Coordinator) Submit(ctx context.Context, plan models.Plan, projectID string) (*models.Run, error) {
	run, steps, err := c.store.CreateRun(ctx, plan, projectID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"goal": plan.Goal})
	ev, err := c.store.RecordEvent(ctx, run.ID, models.EventRunCreated, payload, "")
	if err != nil {
		return nil, err
	}
	c.hub.Publish(*ev)

	for _, step := range steps {
		if step.Gate == nil {
			continue
		}
		if _, err := c.gates.CreateOrGet(ctx, run.ID, step.ID, step.Gate.Type); err != nil {
			return nil, err
		}
	}

	c.Reconcile(ctx, run.ID)

	final, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		return run, nil
	}
	return final, nil
}

// Cancel sets every queued step of runID to cancelled, marks the run
// cancelled, and emits run.cancelled. Pending deliveries for those steps are
// detected by the Worker's status check and short-circuited. Running steps
// are neither cancelled nor signalled: their tool executions run on and
// their outcomes are recorded.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	steps, err := c.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		cancelled := models.StepCancelled
		if step.Status == models.StepQueued {
			if _, err := c.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &cancelled}); err != nil {
				return err
			}
		}
		// Running steps are left alone; nothing here signals their
		// in-flight tool executions.
	}

	terminal := models.RunCancelled
	if _, err := c.store.UpdateRun(ctx, runID, models.RunPatch{Status: &terminal}); err != nil {
		return err
	}
	ev, err := c.store.RecordEvent(ctx, runID, models.EventRunCancelled, nil, "")
	if err != nil {
		return err
	}
	c.hub.Publish(*ev)
	return nil
}

// Reconcile recomputes the ready set and the run's aggregate status for
// runID. It is invoked after every step-terminal write and every gate
// resolution (the Worker and Gate Engine both call it synchronously in
// their own goroutine).
func (c *Coordinator) Reconcile(ctx context.Context, runID string) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run", runID).Msg("coordinator: reconcile failed to load run")
		return
	}
	if run.Status.Terminal() {
		return
	}

	steps, err := c.store.ListStepsByRun(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run", runID).Msg("coordinator: reconcile failed to list steps")
		return
	}
	gates, err := c.store.ListGatesByRun(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run", runID).Msg("coordinator: reconcile failed to list gates")
		return
	}

	c.enqueueReady(ctx, runID, steps, gates)
	c.reconcileStatus(ctx, run, steps, gates)
}

func (c *Coordinator) enqueueReady(ctx context.Context, runID string, steps []models.Step, gates []models.Gate) {
	byName := make(map[string]models.Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}
	gatesByStep := make(map[string][]models.Gate, len(gates))
	for _, g := range gates {
		gatesByStep[g.StepID] = append(gatesByStep[g.StepID], g)
	}
	exprEnv := buildExprEnv(steps)

	var delay time.Duration
	if counts, err := c.queue.Counts(ctx, ReadyTopic); err == nil && counts.Waiting > c.cfg.BackpressureThreshold {
		delay = c.cfg.BackpressureDelay
	}

	for _, step := range steps {
		if step.Status != models.StepQueued {
			continue
		}
		if g, failed := gate.FirstFailed(gatesByStep[step.ID]); failed {
			// A failed gate is terminal: the step can never become ready,
			// so fail it now; the aggregate status rule then fails the run.
			cause := fmt.Errorf("gate %s failed", g.GateType)
			if g.Reason != "" {
				cause = fmt.Errorf("gate %s failed: %s", g.GateType, g.Reason)
			}
			c.failStep(ctx, step, cause)
			continue
		}
		ready, err := isReady(step, byName, gatesByStep[step.ID], exprEnv)
		if err != nil {
			c.failStep(ctx, step, err)
			continue
		}
		if !ready {
			continue
		}

		payload, _ := json.Marshal(readyPayload{
			RunID:          runID,
			StepID:         step.ID,
			Attempt:        1,
			IdempotencyKey: step.IdempotencyKey,
		})
		if err := c.queue.Enqueue(ctx, ReadyTopic, payload, delay); err != nil {
			log.Warn().Err(err).Str("run", runID).Str("step", step.ID).Msg("coordinator: failed to enqueue ready step")
		}
	}
}

// failStep terminally fails a step that can never run — a malformed
// `when` predicate, or a gate resolved to failed. Classified Fatal.
func (c *Coordinator) failStep(ctx context.Context, step models.Step, cause error) {
	failed := models.StepFailed
	if _, err := c.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &failed}); err != nil {
		log.Warn().Err(err).Str("step", step.ID).Msg("coordinator: failed to mark unrunnable step failed")
		return
	}
	payload, _ := json.Marshal(map[string]string{"classification": "Fatal", "error": cause.Error()})
	ev, err := c.store.RecordEvent(ctx, step.RunID, models.EventStepFailed, payload, step.ID)
	if err != nil {
		log.Warn().Err(err).Str("step", step.ID).Msg("coordinator: failed to record step.failed event")
		return
	}
	c.hub.Publish(*ev)

	// The step set just changed under the current reconcile pass; run a
	// fresh one so the run's aggregate status reflects the failure. The
	// recursion terminates: the failed step is terminal on reload.
	c.Reconcile(ctx, step.RunID)
}

// reconcileStatus applies the aggregate status rule: succeeded iff every step succeeded; failed
// iff any step failed and none running; blocked iff any gate pending and
// none running; running otherwise once any step has started.
func (c *Coordinator) reconcileStatus(ctx context.Context, run *models.Run, steps []models.Step, gates []models.Gate) {
	var anyRunning, anyFailed, anyPendingGate, allTerminal, allSucceeded, anyStarted bool
	allSucceeded = true
	allTerminal = true

	for _, s := range steps {
		switch s.Status {
		case models.StepRunning:
			anyRunning = true
			anyStarted = true
		case models.StepSucceeded:
			anyStarted = true
		case models.StepFailed, models.StepTimedOut:
			anyFailed = true
			anyStarted = true
		case models.StepCancelled:
			anyStarted = true
		}
		if s.Status != models.StepSucceeded {
			allSucceeded = false
		}
		if !s.Status.Terminal() {
			allTerminal = false
		}
	}
	for _, g := range gates {
		if g.Status == models.GatePending {
			anyPendingGate = true
		}
	}

	var next models.RunStatus
	switch {
	case allTerminal && allSucceeded:
		next = models.RunSucceeded
	case anyFailed && !anyRunning:
		next = models.RunFailed
	case anyPendingGate && !anyRunning:
		next = models.RunBlocked
	case anyStarted || anyRunning:
		next = models.RunRunning
	default:
		next = run.Status
	}

	if next == run.Status {
		return
	}

	patch := models.RunPatch{Status: &next}
	if _, err := c.store.UpdateRun(ctx, run.ID, patch); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("coordinator: failed to update run status")
		return
	}

	var eventType string
	switch next {
	case models.RunSucceeded:
		eventType = models.EventRunSucceeded
	case models.RunFailed:
		eventType = models.EventRunFailed
	case models.RunBlocked:
		eventType = models.EventRunBlocked
	default:
		return
	}
	ev, err := c.store.RecordEvent(ctx, run.ID, eventType, nil, "")
	if err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("coordinator: failed to record run status event")
		return
	}
	c.hub.Publish(*ev)
}
