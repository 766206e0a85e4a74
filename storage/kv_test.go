package storage

import (
	"context"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engineersedge/orchestrator/orchestration"
)

func newKVStore(t *testing.T) *KV {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	store, err := NewKV(context.Background(), js)
	require.NoError(t, err)
	return store
}

func TestKVRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	req := newRequest("u1", "idem-1")
	require.NoError(t, store.CreateRequest(ctx, req))

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.EqualValues(t, 1, got.Version)

	byIdem, err := store.FindByIdempotency(ctx, "u1", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, byIdem.ID)

	_, err = store.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, orchestration.ErrNotFound)
}

func TestKVConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	req := newRequest("u1", "")
	require.NoError(t, store.CreateRequest(ctx, req))

	first, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	stale, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	first.Status = orchestration.RequestRunning
	require.NoError(t, store.UpdateRequest(ctx, first))
	assert.EqualValues(t, 2, first.Version, "version tracks the KV revision")

	stale.Status = orchestration.RequestCancelled
	err = store.UpdateRequest(ctx, stale)
	assert.ErrorIs(t, err, orchestration.ErrVersionConflict)
	assert.EqualValues(t, 1, stale.Version, "failed update must not bump the local version")

	fresh, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.RequestRunning, fresh.Status)
}

func TestKVWorkflowAndAssignments(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	w := &orchestration.Workflow{
		ID:           orchestration.NewID(),
		RequestID:    "req-1",
		TemplateName: "resume-build",
		Steps: []orchestration.StepSpec{
			{StepNumber: 1, WorkerType: "resume", TimeoutMs: 1000},
			{StepNumber: 2, WorkerType: "llm", DependsOn: []int{1}, TimeoutMs: 1000},
		},
		State: map[int]*orchestration.StepState{
			1: {Status: orchestration.StepPending},
			2: {Status: orchestration.StepPending},
		},
	}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	got, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	got.State[1].Status = orchestration.StepReady
	require.NoError(t, store.UpdateWorkflow(ctx, got))

	a := &orchestration.Assignment{
		ID: orchestration.NewID(), RequestID: "req-1", WorkflowID: w.ID,
		StepNumber: 1, WorkerType: "resume", Attempt: 1,
		Status: orchestration.AssignmentDispatched,
	}
	require.NoError(t, store.CreateAssignment(ctx, a))

	list, err := store.ListAssignmentsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	a.Status = orchestration.AssignmentSucceeded
	require.NoError(t, store.UpdateAssignment(ctx, a))
	updated, err := store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.AssignmentSucceeded, updated.Status)
}
