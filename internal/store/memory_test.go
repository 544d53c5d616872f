package store

import (
	"context"
	"testing"

	"github.com/runforge/controlplane/internal/coreerr"
	"github.com/runforge/controlplane/pkg/models"
	"github.com/stretchr/testify/require"
)

func testPlan() models.Plan {
	return models.Plan{
		Goal: "demo",
		Steps: []models.StepSpec{
			{Name: "echo", Tool: "test:echo", Inputs: []byte(`{"x":1}`)},
		},
	}
}

func TestCreateRun_MaterialisesSteps(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()

	run, steps, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, models.RunQueued, run.Status)
	require.Len(t, steps, 1)
	require.Equal(t, "echo", steps[0].Name)
	require.Equal(t, models.StepQueued, steps[0].Status)

	got, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "test:echo", got[0].Tool)
}

func TestListStepsByRun_PreservesPlanOrder(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()

	plan := models.Plan{Goal: "ordered", Steps: []models.StepSpec{
		{Name: "zeta", Tool: "t", Inputs: []byte(`{"n":1}`)},
		{Name: "alpha", Tool: "t", Inputs: []byte(`{"n":2}`)},
		{Name: "mike", Tool: "t", Inputs: []byte(`{"n":3}`)},
	}}
	run, _, err := s.CreateRun(ctx, plan, "proj-1")
	require.NoError(t, err)

	got, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, len(plan.Steps))
	for i, spec := range plan.Steps {
		require.Equal(t, spec.Name, got[i].Name)
		require.Equal(t, spec.Tool, got[i].Tool)
		require.JSONEq(t, string(spec.Inputs), string(got[i].Inputs))
	}

	// Steps created after materialisation append at the end.
	_, created, err := s.CreateStep(ctx, run.ID, "beta", "t", []byte(`{}`), "")
	require.NoError(t, err)
	require.True(t, created)

	got, err = s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "beta", got[len(got)-1].Name)
}

func TestCreateRun_RejectsEmptyPlan(t *testing.T) {
	s := NewMemoryStore("")
	_, _, err := s.CreateRun(context.Background(), models.Plan{Goal: "x"}, "proj-1")
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidPlan, coreerr.ClassOf(err))
}

func TestCreateRun_RejectsDuplicateStepNames(t *testing.T) {
	s := NewMemoryStore("")
	plan := models.Plan{Goal: "x", Steps: []models.StepSpec{
		{Name: "a", Tool: "t"}, {Name: "a", Tool: "t"},
	}}
	_, _, err := s.CreateRun(context.Background(), plan, "proj-1")
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidPlan, coreerr.ClassOf(err))
}

func TestUpdateRun_ForbidsTerminalTransition(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, _, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)

	succeeded := models.RunSucceeded
	_, err = s.UpdateRun(ctx, run.ID, models.RunPatch{Status: &succeeded})
	require.NoError(t, err)

	running := models.RunRunning
	_, err = s.UpdateRun(ctx, run.ID, models.RunPatch{Status: &running})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidTransition, coreerr.ClassOf(err))
}

func TestUpdateStep_EnforcesDAG(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	_, steps, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)
	stepID := steps[0].ID

	running := models.StepRunning
	_, err = s.UpdateStep(ctx, stepID, models.StepPatch{Status: &running})
	require.NoError(t, err)

	queued := models.StepQueued
	_, err = s.UpdateStep(ctx, stepID, models.StepPatch{Status: &queued})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidTransition, coreerr.ClassOf(err))

	succeeded := models.StepSucceeded
	got, err := s.UpdateStep(ctx, stepID, models.StepPatch{Status: &succeeded})
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
}

func TestRecordEvent_SequenceIsContiguous(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, _, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev, err := s.RecordEvent(ctx, run.ID, "run.created", nil, "")
		require.NoError(t, err)
		require.Equal(t, int64(i+1), ev.Sequence)
	}
	events, err := s.ListEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestRollback_RenumbersAndRecordsMetadata(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, _, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.RecordEvent(ctx, run.ID, "run.created", nil, "")
		require.NoError(t, err)
	}

	got, events, err := s.Rollback(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "3", got.Metadata["last_rollback_sequence"])

	next, err := s.RecordEvent(ctx, run.ID, "run.created", nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(4), next.Sequence)
}

func TestCreateStep_ReturnsExistingOnNameCollision(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, steps, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)

	existing, created, err := s.CreateStep(ctx, run.ID, "echo", "other:tool", []byte(`{}`), "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, steps[0].ID, existing.ID)
	require.Equal(t, "test:echo", existing.Tool)

	fresh, created, err := s.CreateStep(ctx, run.ID, "extra", "test:echo", []byte(`{}`), "idem-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.StepQueued, fresh.Status)
	require.Equal(t, "idem-1", fresh.IdempotencyKey)
}

func TestSnapshotAt_IsPure(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, _, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.RecordEvent(ctx, run.ID, "run.created", []byte(`{"i":1}`), "")
		require.NoError(t, err)
	}

	_, first, err := s.SnapshotAt(ctx, run.ID, 3)
	require.NoError(t, err)
	_, second, err := s.SnapshotAt(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 3)
	require.Equal(t, int64(3), first[2].Sequence)
}

func TestInboxMarkIfNew_IsIdempotent(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()

	first, err := s.InboxMarkIfNew(ctx, "k1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.InboxMarkIfNew(ctx, "k1")
	require.NoError(t, err)
	require.False(t, second)
}

func TestGate_OneWayFromPending(t *testing.T) {
	s := NewMemoryStore("")
	ctx := context.Background()
	run, steps, err := s.CreateRun(ctx, testPlan(), "proj-1")
	require.NoError(t, err)

	gate, created, err := s.CreateOrGetGate(ctx, run.ID, steps[0].ID, "manual")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.GatePending, gate.Status)

	_, err = s.UpdateGate(ctx, gate.ID, models.GatePatch{Status: models.GatePassed, ApprovedBy: "alice"})
	require.NoError(t, err)

	_, err = s.UpdateGate(ctx, gate.ID, models.GatePatch{Status: models.GateWaived, ApprovedBy: "bob"})
	require.Error(t, err)
	require.Equal(t, coreerr.InvalidTransition, coreerr.ClassOf(err))
}
