package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/internal/tools"
	"github.com/runforge/controlplane/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReconciler) Reconcile(_ context.Context, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runID)
}

type sleepyTool struct{ d time.Duration }

func (t sleepyTool) Execute(ctx context.Context, _ json.RawMessage, _ tools.ToolContext) (json.RawMessage, error) {
	select {
	case <-time.After(t.d):
		return json.RawMessage(`{"slept":true}`), nil
	case <-ctx.Done():
		return nil, tools.NewTransient("interrupted", ctx.Err())
	}
}

// stubbornTool ignores its cancellation signal entirely.
type stubbornTool struct{ d time.Duration }

func (t stubbornTool) Execute(_ context.Context, _ json.RawMessage, _ tools.ToolContext) (json.RawMessage, error) {
	time.Sleep(t.d)
	return json.RawMessage(`{}`), nil
}

func testWorker(t *testing.T, reg *tools.Registry, cfg Config) (*Worker, store.Store, *recordingPublisher, *recordingReconciler) {
	t.Helper()
	s := store.NewMemoryStore("")
	pub := &recordingPublisher{}
	rec := &recordingReconciler{}
	return New(s, nil, reg, pub, rec, cfg), s, pub, rec
}

func seedStep(t *testing.T, s store.Store, tool string) (*models.Run, *models.Step) {
	t.Helper()
	run, steps, err := s.CreateRun(context.Background(), models.Plan{
		Goal:  "t",
		Steps: []models.StepSpec{{Name: "one", Tool: tool, Inputs: []byte(`{"b":2,"a":1}`)}},
	}, "proj")
	require.NoError(t, err)
	return run, &steps[0]
}

func payloadFor(run *models.Run, step *models.Step, attempt int) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"runId": run.ID, "stepId": step.ID, "__attempt": attempt,
	})
	return b
}

func TestHandle_ExecutesAndSucceeds(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:echo", tools.EchoTool{})
	w, s, pub, rec := testWorker(t, reg, DefaultConfig())
	run, step := seedStep(t, s, "test:echo")

	require.NoError(t, w.handle(context.Background(), payloadFor(run, step, 1)))

	got, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepSucceeded, got.Status)
	require.JSONEq(t, `{"b":2,"a":1}`, string(got.Outputs))
	require.Equal(t, []string{models.EventStepStarted, models.EventStepSucceeded}, pub.types())
	// Reconciled once on claim (run leaves queued) and once on success.
	require.Equal(t, []string{run.ID, run.ID}, rec.calls)
}

func TestHandle_DuplicateDeliveryIsSilentlyAcked(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:echo", tools.EchoTool{})
	w, s, pub, _ := testWorker(t, reg, DefaultConfig())
	run, step := seedStep(t, s, "test:echo")

	require.NoError(t, w.handle(context.Background(), payloadFor(run, step, 1)))
	require.NoError(t, w.handle(context.Background(), payloadFor(run, step, 1)))

	started := 0
	for _, typ := range pub.types() {
		if typ == models.EventStepStarted {
			started++
		}
	}
	require.Equal(t, 1, started)
}

func TestHandle_InboxKeyIgnoresJSONFieldOrder(t *testing.T) {
	a := inboxKey("r1", "s1", json.RawMessage(`{"a":1,"b":2}`))
	b := inboxKey("r1", "s1", json.RawMessage(`{"b":2,"a":1}`))
	require.Equal(t, a, b)
	require.Len(t, a, 12)

	c := inboxKey("r1", "s1", json.RawMessage(`{"a":1,"b":3}`))
	require.NotEqual(t, a, c)
}

func TestHandle_UnknownToolIsFatal(t *testing.T) {
	w, s, pub, _ := testWorker(t, tools.NewRegistry(), DefaultConfig())
	run, step := seedStep(t, s, "no:such-tool")

	// The fatal cause propagates so the queue parks the payload without retry.
	require.Error(t, w.handle(context.Background(), payloadFor(run, step, 1)))

	got, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepFailed, got.Status)
	require.Contains(t, pub.types(), models.EventStepFailed)
}

func TestHandle_RetryableFailureReturnsError(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:flaky", toolFunc(func(context.Context, json.RawMessage, tools.ToolContext) (json.RawMessage, error) {
		return nil, tools.NewTransient("downstream 503", nil)
	}))
	w, s, _, _ := testWorker(t, reg, DefaultConfig())
	run, step := seedStep(t, s, "test:flaky")

	require.Error(t, w.handle(context.Background(), payloadFor(run, step, 1)))

	got, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepRunning, got.Status, "step stays running until its retry budget resolves")
}

func TestHandle_TimeoutClassifiedAsTimedOut(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:sleepy", sleepyTool{d: 5 * time.Second})
	cfg := DefaultConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 1
	w, s, pub, _ := testWorker(t, reg, cfg)
	run, step := seedStep(t, s, "test:sleepy")

	require.Error(t, w.handle(context.Background(), payloadFor(run, step, 1)))

	got, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepTimedOut, got.Status)
	require.Contains(t, pub.types(), models.EventStepFailed)
}

func TestHandle_StubbornToolIsAbandoned(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:stubborn", stubbornTool{d: 5 * time.Second})
	cfg := DefaultConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	cfg.TimeoutGrace = 50 * time.Millisecond
	cfg.MaxAttempts = 1
	w, s, _, _ := testWorker(t, reg, cfg)
	run, step := seedStep(t, s, "test:stubborn")

	start := time.Now()
	require.Error(t, w.handle(context.Background(), payloadFor(run, step, 1)))
	require.Less(t, time.Since(start), 2*time.Second, "handler must not wait out a tool that ignores cancellation")

	got, err := s.GetStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepTimedOut, got.Status)
}

func TestHandle_TerminalStepIsAcked(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register("test:echo", tools.EchoTool{})
	w, s, pub, _ := testWorker(t, reg, DefaultConfig())
	run, step := seedStep(t, s, "test:echo")

	cancelled := models.StepCancelled
	_, err := s.UpdateStep(context.Background(), step.ID, models.StepPatch{Status: &cancelled})
	require.NoError(t, err)

	require.NoError(t, w.handle(context.Background(), payloadFor(run, step, 1)))
	require.Empty(t, pub.types())
}

// toolFunc adapts a function to the Tool interface for test fixtures.
type toolFunc func(ctx context.Context, inputs json.RawMessage, tctx tools.ToolContext) (json.RawMessage, error)

func (f toolFunc) Execute(ctx context.Context, inputs json.RawMessage, tctx tools.ToolContext) (json.RawMessage, error) {
	return f(ctx, inputs, tctx)
}
