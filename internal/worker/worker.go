// Package worker implements the worker pool: it pulls deliveries off the
// step.ready topic, enforces the Inbox's at-most-once guard, resolves and
// executes the step's tool under a hard timeout, and classifies the
// outcome into a retry, a DLQ-bound terminal failure, or a success that
// hands back to the Run Coordinator for ready-set reconciliation.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/coreerr"
	"github.com/runforge/controlplane/internal/queue"
	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/internal/tools"
	"github.com/runforge/controlplane/pkg/models"
)

// ReadyTopic mirrors coordinator.ReadyTopic; duplicated as a string
// constant (rather than imported) to avoid a worker->coordinator edge —
// the Worker only needs the topic name, not the Coordinator's API.
const ReadyTopic = "step.ready"

// Config governs the per-process Worker pool (the WORKER_CONCURRENCY,
// STEP_TIMEOUT_MS, and STEP_MAX_ATTEMPTS options).
type Config struct {
	Concurrency int
	StepTimeout time.Duration
	MaxAttempts int
	// TimeoutGrace bounds how long the worker waits for a tool to notice
	// context cancellation before abandoning the handler outright.
	TimeoutGrace time.Duration
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		StepTimeout:  30 * time.Second,
		MaxAttempts:  4,
		TimeoutGrace: 2 * time.Second,
	}
}

// Reconciler is notified after a step reaches a terminal or started state
// so the Run Coordinator can recompute the ready set. Implemented by
// *coordinator.Coordinator; a local interface avoids an import cycle.
type Reconciler interface {
	Reconcile(ctx context.Context, runID string)
}

// Worker pulls step.ready deliveries and drives one step's execution.
type Worker struct {
	store      store.Store
	queue      queue.Driver
	tools      *tools.Registry
	hub        Publisher
	reconciler Reconciler
	cfg        Config

	heartbeat atomic.Int64 // unix millis of the last liveness touch
}

// Publisher is the subset of *events.Hub the Worker needs; a local
// interface avoids an import cycle with internal/events' test helpers.
type Publisher interface {
	Publish(ev models.Event)
}

// New creates a Worker wired to its dependencies.
func New(s store.Store, q queue.Driver, reg *tools.Registry, hub Publisher, reconciler Reconciler, cfg Config) *Worker {
	return &Worker{store: s, queue: q, tools: reg, hub: hub, reconciler: reconciler, cfg: cfg}
}

// deliveryPayload is the wire shape of a step.ready message.
type deliveryPayload struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	Attempt        int    `json:"__attempt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Start subscribes Concurrency handlers to step.ready. It returns once the
// consumers are running; they keep running until ctx is cancelled or
// Close is called on the underlying queue driver.
func (w *Worker) Start(ctx context.Context) error {
	w.touchHeartbeat()
	return w.queue.Subscribe(ctx, ReadyTopic, w.cfg.Concurrency, w.handle)
}

func (w *Worker) touchHeartbeat() {
	w.heartbeat.Store(time.Now().UnixMilli())
}

// Healthy reports whether the worker has made forward progress (handled a
// delivery, or simply started) within maxAge. Consulted by health checks
// only, never by execution logic.
func (w *Worker) Healthy(maxAge time.Duration) bool {
	return time.Since(time.UnixMilli(w.heartbeat.Load())) <= maxAge
}

// handle runs the per-delivery procedure: status check, inbox claim,
// tool execution, outcome classification.
func (w *Worker) handle(ctx context.Context, payload []byte) error {
	w.touchHeartbeat()

	var in deliveryPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Error().Err(err).Msg("worker: malformed step.ready payload, dropping")
		return nil
	}

	step, err := w.store.GetStep(ctx, in.StepID)
	if err != nil {
		if coreerr.ClassOf(err) == coreerr.NotFound {
			return nil
		}
		return err
	}
	if step.Status.Terminal() {
		return nil
	}

	if step.Status == models.StepQueued {
		claimed, err := w.claim(ctx, in, step)
		if err != nil {
			return err
		}
		if !claimed {
			return nil // DuplicateDelivery: inbox said no, silently ack.
		}
		// First step start moves the run out of queued/blocked.
		w.notifyReconciler(ctx, in.RunID)
	} else if in.Attempt <= 1 {
		// A first delivery against a step already running is a duplicate
		// of the winner's delivery, not a retry; retries carry attempt > 1.
		return nil
	}

	tool, ok := w.tools.Resolve(step.Tool)
	if !ok {
		return w.terminateFatal(ctx, in, step, tools.NewFatal(fmt.Sprintf("unknown tool %q", step.Tool), nil))
	}

	outputs, toolErr, timedOut := w.execute(ctx, tool, step, in)
	if toolErr == nil {
		return w.succeed(ctx, in, step, outputs)
	}
	return w.fail(ctx, in, step, toolErr, timedOut)
}

// claim performs the Inbox at-most-once guard and the queued->running
// transition. Only the step's first delivery (status == queued) reaches
// here; retry deliveries (status already running) skip straight to tool
// execution below — the step was already claimed by its first attempt, and
// re-running markIfNew with the same key would wrongly suppress every
// retry (it is intentionally not keyed by attempt).
func (w *Worker) claim(ctx context.Context, in deliveryPayload, step *models.Step) (bool, error) {
	key := in.IdempotencyKey
	if key == "" {
		key = inboxKey(in.RunID, step.Name, step.Inputs)
	}
	claimed, err := w.store.InboxMarkIfNew(ctx, key)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	running := models.StepRunning
	if _, err := w.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &running}); err != nil {
		return false, err
	}
	ev, err := w.store.RecordEvent(ctx, in.RunID, models.EventStepStarted, nil, step.ID)
	if err != nil {
		return false, err
	}
	w.hub.Publish(*ev)
	return true, nil
}

func inboxKey(runID, stepName string, inputs json.RawMessage) string {
	canonical := canonicalJSON(inputs)
	sum := sha256.Sum256([]byte(runID + ":" + stepName + ":" + canonical))
	return hex.EncodeToString(sum[:])[:12]
}

// canonicalJSON reorders object keys lexicographically so the inbox key is
// stable regardless of the caller's original field ordering.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

type toolOutcome struct {
	outputs json.RawMessage
	err     error
}

// execute runs the tool under a hard STEP_TIMEOUT_MS deadline. A tool that
// ignores the cancellation signal past TimeoutGrace is abandoned with a
// Timeout classification rather than blocking the handler forever.
func (w *Worker) execute(ctx context.Context, tool tools.Tool, step *models.Step, in deliveryPayload) (json.RawMessage, error, bool) {
	deadline := time.Now().Add(w.cfg.StepTimeout)
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	tctx := tools.ToolContext{
		RunID:    in.RunID,
		StepID:   step.ID,
		Deadline: deadline,
		Logger:   log.With().Str("run", in.RunID).Str("step", step.ID).Str("tool", step.Tool).Logger(),
	}

	resultCh := make(chan toolOutcome, 1)
	go func() {
		out, err := tool.Execute(execCtx, step.Inputs, tctx)
		resultCh <- toolOutcome{out, err}
	}()

	select {
	case res := <-resultCh:
		return res.outputs, res.err, false
	case <-execCtx.Done():
		select {
		case res := <-resultCh:
			// A tool that finishes after observing the signal is still
			// recorded on success; a failure here was induced by the
			// deadline and classifies as timed out.
			if res.err != nil && execCtx.Err() == context.DeadlineExceeded {
				return nil, coreerr.NewTimeout(fmt.Sprintf("step exceeded %s", w.cfg.StepTimeout)), true
			}
			return res.outputs, res.err, false
		case <-time.After(w.cfg.TimeoutGrace):
			return nil, coreerr.NewTimeout(fmt.Sprintf("step exceeded %s", w.cfg.StepTimeout)), true
		}
	}
}

func (w *Worker) succeed(ctx context.Context, in deliveryPayload, step *models.Step, outputs json.RawMessage) error {
	succeeded := models.StepSucceeded
	if _, err := w.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &succeeded, Outputs: outputs}); err != nil {
		return err
	}
	ev, err := w.store.RecordEvent(ctx, in.RunID, models.EventStepSucceeded, outputs, step.ID)
	if err != nil {
		return err
	}
	w.hub.Publish(*ev)
	w.notifyReconciler(ctx, in.RunID)
	return nil
}

// fail classifies toolErr and either schedules a queue-level retry
// (returning a retryable error), or writes a terminal step status and
// returns the classified error so the queue parks the payload in its DLQ:
// directly for non-retryable classifications, via the exhausted-budget
// path for retryable ones. The terminal step status is already written
// by the time the DLQ sees the payload, so later deliveries of it ack.
func (w *Worker) fail(ctx context.Context, in deliveryPayload, step *models.Step, toolErr error, timedOut bool) error {
	class := coreerr.ClassOf(toolErr)
	if timedOut {
		class = coreerr.Timeout
	}

	payload, _ := json.Marshal(map[string]string{"classification": string(class), "error": toolErr.Error()})
	ev, err := w.store.RecordEvent(ctx, in.RunID, models.EventStepFailed, payload, step.ID)
	if err != nil {
		return err
	}
	w.hub.Publish(*ev)

	if class.Retryable() && in.Attempt < w.cfg.MaxAttempts {
		return coreerr.NewTransient(fmt.Sprintf("step %s attempt %d", step.ID, in.Attempt), toolErr)
	}

	terminal := models.StepFailed
	if class == coreerr.Timeout {
		terminal = models.StepTimedOut
	}
	if _, err := w.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &terminal}); err != nil {
		return err
	}
	w.notifyReconciler(ctx, in.RunID)

	if class.Retryable() {
		return coreerr.NewTransient(fmt.Sprintf("step %s exhausted retry budget", step.ID), toolErr)
	}
	return toolErr
}

func (w *Worker) terminateFatal(ctx context.Context, in deliveryPayload, step *models.Step, cause error) error {
	payload, _ := json.Marshal(map[string]string{"classification": string(coreerr.Fatal), "error": cause.Error()})
	ev, err := w.store.RecordEvent(ctx, in.RunID, models.EventStepFailed, payload, step.ID)
	if err != nil {
		return err
	}
	w.hub.Publish(*ev)

	terminal := models.StepFailed
	if _, err := w.store.UpdateStep(ctx, step.ID, models.StepPatch{Status: &terminal}); err != nil {
		return err
	}
	w.notifyReconciler(ctx, in.RunID)
	// Returning the fatal cause parks the payload in the DLQ without a retry.
	return cause
}

func (w *Worker) notifyReconciler(ctx context.Context, runID string) {
	if w.reconciler != nil {
		w.reconciler.Reconcile(ctx, runID)
	}
}
