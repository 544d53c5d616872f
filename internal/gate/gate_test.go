package gate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/pkg/models"
)

type nopPublisher struct{}

func (nopPublisher) Publish(models.Event) {}

func newEngine(t *testing.T) (*Engine, store.Store, string, string) {
	t.Helper()
	s := store.NewMemoryStore("")
	run, steps, err := s.CreateRun(context.Background(), models.Plan{
		Goal:  "g",
		Steps: []models.StepSpec{{Name: "guarded", Tool: "test:echo", Inputs: []byte(`{}`)}},
	}, "proj")
	require.NoError(t, err)
	return New(s, nopPublisher{}), s, run.ID, steps[0].ID
}

func TestCreateOrGet_RecordsGateCreatedOnce(t *testing.T) {
	e, s, runID, stepID := newEngine(t)
	ctx := context.Background()

	first, err := e.CreateOrGet(ctx, runID, stepID, "manual")
	require.NoError(t, err)
	require.Equal(t, models.GatePending, first.Status)

	second, err := e.CreateOrGet(ctx, runID, stepID, "manual")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	evs, err := s.ListEvents(ctx, runID, 0)
	require.NoError(t, err)
	created := 0
	for _, ev := range evs {
		if ev.Type == models.EventGateCreated {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func TestApprove_RecordsActorAndEvent(t *testing.T) {
	e, s, runID, stepID := newEngine(t)
	ctx := context.Background()

	g, err := e.CreateOrGet(ctx, runID, stepID, "manual")
	require.NoError(t, err)

	resolved, err := e.Approve(ctx, g.ID, "alice", "checked the diff")
	require.NoError(t, err)
	require.Equal(t, models.GatePassed, resolved.Status)
	require.Equal(t, "alice", resolved.ApprovedBy)
	require.NotNil(t, resolved.ResolvedAt)

	evs, err := s.ListEvents(ctx, runID, 0)
	require.NoError(t, err)
	require.Equal(t, models.EventGateApproved, evs[len(evs)-1].Type)
}

func TestConcurrentApproveAndWaive_ExactlyOneWins(t *testing.T) {
	e, _, runID, stepID := newEngine(t)
	ctx := context.Background()

	g, err := e.CreateOrGet(ctx, runID, stepID, "manual")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = e.Approve(ctx, g.ID, "alice", "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = e.Waive(ctx, g.ID, "bob", "")
	}()
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.True(t, IsInvalidTransition(err), "loser must surface InvalidTransition, got %v", err)
		}
	}
	require.Equal(t, 1, winners)
}

func TestFail_ClosesGateForAutomatedChecks(t *testing.T) {
	e, _, runID, stepID := newEngine(t)
	ctx := context.Background()

	g, err := e.CreateOrGet(ctx, runID, stepID, "policy")
	require.NoError(t, err)

	resolved, err := e.Fail(ctx, g.ID, "policy scan found a violation")
	require.NoError(t, err)
	require.Equal(t, models.GateFailed, resolved.Status)

	_, err = e.Approve(ctx, g.ID, "alice", "")
	require.Error(t, err)
	require.True(t, IsInvalidTransition(err))
}

func TestAllPassable(t *testing.T) {
	require.True(t, AllPassable(nil))
	require.True(t, AllPassable([]models.Gate{{Status: models.GatePassed}, {Status: models.GateWaived}}))
	require.False(t, AllPassable([]models.Gate{{Status: models.GatePending}}))
	require.False(t, AllPassable([]models.Gate{{Status: models.GatePassed}, {Status: models.GateFailed}}))
}

func TestAllResolved(t *testing.T) {
	require.True(t, AllResolved(nil))
	require.True(t, AllResolved([]models.Gate{{Status: models.GateFailed}}))
	require.False(t, AllResolved([]models.Gate{{Status: models.GatePending}}))
}
