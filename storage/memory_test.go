package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engineersedge/orchestrator/orchestration"
)

func newRequest(user, idem string) *orchestration.Request {
	now := time.Now()
	return &orchestration.Request{
		ID:             orchestration.NewID(),
		UserID:         user,
		WorkflowName:   "single-worker",
		Payload:        orchestration.Payload{"workerType": "llm"},
		CorrelationID:  orchestration.NewID(),
		IdempotencyKey: idem,
		Status:         orchestration.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryRequestCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	req := newRequest("u1", "")
	require.NoError(t, store.CreateRequest(ctx, req))
	assert.EqualValues(t, 1, req.Version)

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, orchestration.RequestPending, got.Status)

	_, err = store.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, orchestration.ErrNotFound)

	assert.ErrorIs(t, store.CreateRequest(ctx, req), orchestration.ErrDuplicateID)
}

func TestMemoryVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	req := newRequest("u1", "")
	require.NoError(t, store.CreateRequest(ctx, req))

	first, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	second, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	first.Status = orchestration.RequestRunning
	require.NoError(t, store.UpdateRequest(ctx, first))
	assert.EqualValues(t, 2, first.Version)

	second.Status = orchestration.RequestFailed
	err = store.UpdateRequest(ctx, second)
	assert.ErrorIs(t, err, orchestration.ErrVersionConflict)

	// Re-read and retry is the contract.
	fresh, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	fresh.Status = orchestration.RequestFailed
	require.NoError(t, store.UpdateRequest(ctx, fresh))

	final, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.RequestFailed, final.Status)
	assert.EqualValues(t, 3, final.Version)
}

func TestMemoryIdempotencyIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	req := newRequest("u1", "key-1")
	require.NoError(t, store.CreateRequest(ctx, req))

	found, err := store.FindByIdempotency(ctx, "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, found.ID)

	_, err = store.FindByIdempotency(ctx, "u2", "key-1")
	assert.ErrorIs(t, err, orchestration.ErrNotFound, "index is scoped to the user")

	_, err = store.FindByIdempotency(ctx, "u1", "other")
	assert.ErrorIs(t, err, orchestration.ErrNotFound)
}

func TestMemoryListRequestsByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := 0; i < 3; i++ {
		req := newRequest("u1", "")
		req.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateRequest(ctx, req))
	}
	require.NoError(t, store.CreateRequest(ctx, newRequest("u2", "")))

	got, err := store.ListRequestsByUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt), "newest first")
}

func TestMemoryWorkflowAndAssignment(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	w := &orchestration.Workflow{
		ID:           orchestration.NewID(),
		RequestID:    "req-1",
		TemplateName: "single-worker",
		Steps:        []orchestration.StepSpec{{StepNumber: 1, WorkerType: "llm", TimeoutMs: 1000}},
		State:        map[int]*orchestration.StepState{1: {Status: orchestration.StepPending}},
	}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	got, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.State[1])
	assert.Equal(t, orchestration.StepPending, got.State[1].Status)

	a1 := &orchestration.Assignment{
		ID: orchestration.NewID(), RequestID: "req-1", WorkflowID: w.ID,
		StepNumber: 1, WorkerType: "llm", Attempt: 1,
		Status: orchestration.AssignmentDispatched, DispatchedAt: time.Now(),
	}
	a2 := &orchestration.Assignment{
		ID: orchestration.NewID(), RequestID: "req-1", WorkflowID: w.ID,
		StepNumber: 1, WorkerType: "llm", Attempt: 2,
		Status: orchestration.AssignmentDispatched, DispatchedAt: time.Now().Add(time.Second),
	}
	require.NoError(t, store.CreateAssignment(ctx, a1))
	require.NoError(t, store.CreateAssignment(ctx, a2))

	list, err := store.ListAssignmentsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Attempt, "ordered by dispatch time")

	// Stale workflow writes are rejected.
	stale, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateWorkflow(ctx, got))
	err = store.UpdateWorkflow(ctx, stale)
	if !errors.Is(err, orchestration.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
