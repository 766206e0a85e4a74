package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engineersedge/orchestrator/orchestration"
	"github.com/engineersedge/orchestrator/storage"
)

// stubBus captures published task messages.
type stubBus struct {
	mu        sync.Mutex
	connected bool
	published []orchestration.TaskMessage
}

func (b *stubBus) Publish(_ context.Context, _ string, body any, _ orchestration.Headers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return orchestration.ErrNotConnected
	}
	b.published = append(b.published, body.(orchestration.TaskMessage))
	return nil
}

func (b *stubBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *stubBus) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *stubBus) tasks() []orchestration.TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]orchestration.TaskMessage, len(b.published))
	copy(out, b.published)
	return out
}

// stubWorkers returns a fixed instance per worker type.
type stubWorkers struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (s *stubWorkers) Select(workerType string) *orchestration.WorkerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[workerType] {
		return nil
	}
	return &orchestration.WorkerInstance{
		ID:         "inst-" + workerType,
		WorkerType: workerType,
		Endpoint:   "http://" + workerType + ":3000",
		Health:     orchestration.WorkerHealthy,
	}
}

func (s *stubWorkers) setMissing(workerType string, missing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing == nil {
		s.missing = map[string]bool{}
	}
	s.missing[workerType] = missing
}

type fixture struct {
	sched   *Component
	store   *storage.Memory
	bus     *stubBus
	workers *stubWorkers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := json.Marshal(Config{TickInterval: "10ms", SaturationGrace: "50ms"})
	require.NoError(t, err)

	comp, err := NewComponent(cfg, component.Dependencies{})
	require.NoError(t, err)
	sched := comp.(*Component)

	f := &fixture{
		sched:   sched,
		store:   storage.NewMemory(),
		bus:     &stubBus{connected: true},
		workers: &stubWorkers{},
	}
	sched.SetStore(f.store)
	sched.SetBus(f.bus)
	sched.SetWorkers(f.workers)
	require.NoError(t, sched.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = sched.Stop(time.Second)
	})
	return f
}

// admit persists a request and workflow the way the API does and kicks
// the scheduler.
func (f *fixture) admit(t *testing.T, steps []orchestration.StepSpec) *orchestration.Request {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	req := &orchestration.Request{
		ID:            orchestration.NewID(),
		UserID:        "u1",
		WorkflowName:  "test-flow",
		Payload:       orchestration.Payload{"prompt": "hi"},
		CorrelationID: orchestration.NewID(),
		Status:        orchestration.RequestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	w := &orchestration.Workflow{
		ID:           orchestration.NewID(),
		RequestID:    req.ID,
		TemplateName: "test-flow",
		Steps:        steps,
		State:        map[int]*orchestration.StepState{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, s := range steps {
		w.State[s.StepNumber] = &orchestration.StepState{Status: orchestration.StepPending}
	}
	req.WorkflowID = w.ID

	require.NoError(t, f.store.CreateRequest(ctx, req))
	require.NoError(t, f.store.CreateWorkflow(ctx, w))
	f.sched.StartWorkflow(ctx, req.ID, w.ID)
	return req
}

func (f *fixture) waitForTasks(t *testing.T, n int) []orchestration.TaskMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.bus.tasks()) >= n
	}, 5*time.Second, 5*time.Millisecond, "expected %d dispatched tasks", n)
	return f.bus.tasks()
}

func (f *fixture) respond(task orchestration.TaskMessage, success bool, output any, errMsg string) {
	f.sched.Submit(orchestration.AssignmentEvent{
		RequestID:    task.RequestID,
		AssignmentID: task.AssignmentID,
		StepNumber:   task.StepNumber,
		Success:      success,
		Output:       output,
		Error:        errMsg,
	})
}

func (f *fixture) waitForStatus(t *testing.T, requestID string, status orchestration.RequestStatus) *orchestration.Request {
	t.Helper()
	var req *orchestration.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = f.store.GetRequest(context.Background(), requestID)
		return err == nil && req.Status == status
	}, 5*time.Second, 5*time.Millisecond, "expected request status %s", status)
	return req
}

func singleStep(workerType string, timeoutMs int64, retry orchestration.RetryPolicy) []orchestration.StepSpec {
	return []orchestration.StepSpec{
		{StepNumber: 1, WorkerType: workerType, TimeoutMs: timeoutMs, RetryPolicy: retry},
	}
}

func TestSingleWorkerHappyPath(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 5000, orchestration.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}))

	tasks := f.waitForTasks(t, 1)
	assert.Equal(t, req.ID, tasks[0].RequestID)
	assert.Equal(t, "llm", tasks[0].WorkerType)
	assert.Equal(t, "hi", tasks[0].Payload["prompt"])

	f.respond(tasks[0], true, map[string]any{"text": "hello"}, "")

	final := f.waitForStatus(t, req.ID, orchestration.RequestCompleted)
	out := final.Result["1"].(map[string]any)
	assert.Equal(t, "hello", out["text"])
	assert.NotNil(t, final.CompletedAt)

	w, err := f.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepSucceeded, w.State[1].Status)
	assert.Equal(t, 1, w.State[1].Attempts)
}

func TestRetryOnWorkerError(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 5000,
		orchestration.RetryPolicy{MaxAttempts: 3, BackoffMs: 10, Exponential: true}))

	tasks := f.waitForTasks(t, 1)
	f.respond(tasks[0], false, nil, "worker exploded")

	tasks = f.waitForTasks(t, 2)
	f.respond(tasks[1], false, nil, "worker exploded again")

	tasks = f.waitForTasks(t, 3)
	f.respond(tasks[2], true, map[string]any{"text": "third time lucky"}, "")

	final := f.waitForStatus(t, req.ID, orchestration.RequestCompleted)

	w, err := f.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 3, w.State[1].Attempts)

	assignments, err := f.store.ListAssignmentsByWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 3, "exactly one assignment per attempt")
	assert.Equal(t, orchestration.AssignmentFailed, assignments[0].Status)
	assert.Equal(t, orchestration.AssignmentFailed, assignments[1].Status)
	assert.Equal(t, orchestration.AssignmentSucceeded, assignments[2].Status)
	for i, a := range assignments {
		assert.Equal(t, i+1, a.Attempt, "attempt numbers strictly increase")
	}
}

func TestTimeoutThenRecovery(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 50,
		orchestration.RetryPolicy{MaxAttempts: 2, BackoffMs: 10}))

	// First attempt gets no response; the deadline fires and a second
	// assignment goes out.
	tasks := f.waitForTasks(t, 2)
	f.respond(tasks[1], true, map[string]any{"text": "recovered"}, "")

	final := f.waitForStatus(t, req.ID, orchestration.RequestCompleted)

	assignments, err := f.store.ListAssignmentsByWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, orchestration.AssignmentTimedOut, assignments[0].Status)
	assert.Equal(t, orchestration.AssignmentSucceeded, assignments[1].Status)
}

func TestDependencySkipOnUpstreamFailure(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, []orchestration.StepSpec{
		{StepNumber: 1, WorkerType: "a", TimeoutMs: 5000, RetryPolicy: orchestration.RetryPolicy{MaxAttempts: 1}},
		{StepNumber: 2, WorkerType: "b", DependsOn: []int{1}, TimeoutMs: 5000, RetryPolicy: orchestration.RetryPolicy{MaxAttempts: 1}},
		{StepNumber: 3, WorkerType: "c", DependsOn: []int{1}, TimeoutMs: 5000, RetryPolicy: orchestration.RetryPolicy{MaxAttempts: 1}},
	})

	tasks := f.waitForTasks(t, 1)
	f.respond(tasks[0], false, nil, "upstream broke")

	final := f.waitForStatus(t, req.ID, orchestration.RequestFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, 1, final.Error.FailedStep)
	assert.Equal(t, "step_failed", final.Error.Code)

	w, err := f.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepFailed, w.State[1].Status)
	assert.Equal(t, orchestration.StepSkipped, w.State[2].Status)
	assert.Equal(t, orchestration.StepSkipped, w.State[3].Status)

	assert.Len(t, f.bus.tasks(), 1, "dependents must never dispatch")
}

func TestParallelFanOutFanIn(t *testing.T) {
	f := newFixture(t)
	retry := orchestration.RetryPolicy{MaxAttempts: 1}

	req := f.admit(t, []orchestration.StepSpec{
		{StepNumber: 1, WorkerType: "a", Parallel: true, TimeoutMs: 5000, RetryPolicy: retry},
		{StepNumber: 2, WorkerType: "b", Parallel: true, TimeoutMs: 5000, RetryPolicy: retry},
		{StepNumber: 3, WorkerType: "c", Parallel: true, TimeoutMs: 5000, RetryPolicy: retry},
		{StepNumber: 4, WorkerType: "d", DependsOn: []int{1, 2, 3}, TimeoutMs: 5000, RetryPolicy: retry},
	})

	// All three roots dispatch in the first pass, before any response.
	tasks := f.waitForTasks(t, 3)
	dispatched := map[int]bool{}
	for _, task := range tasks[:3] {
		dispatched[task.StepNumber] = true
		assert.NotEqual(t, 4, task.StepNumber, "fan-in step must wait")
	}
	assert.Len(t, dispatched, 3)

	f.respond(tasks[0], true, map[string]any{"part": "one"}, "")
	f.respond(tasks[1], true, map[string]any{"part": "two"}, "")

	// Two of three done: still no step 4.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.bus.tasks(), 3)

	f.respond(tasks[2], true, map[string]any{"part": "three"}, "")

	tasks = f.waitForTasks(t, 4)
	assert.Equal(t, 4, tasks[3].StepNumber)
	assert.Equal(t, "three", tasks[3].Payload["part"], "fan-in payload carries dependency outputs")

	f.respond(tasks[3], true, map[string]any{"done": true}, "")
	f.waitForStatus(t, req.ID, orchestration.RequestCompleted)
}

func TestLateResponseNeverRetroAdvances(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 50, orchestration.RetryPolicy{MaxAttempts: 1}))

	tasks := f.waitForTasks(t, 1)
	final := f.waitForStatus(t, req.ID, orchestration.RequestFailed)

	// The worker answers long after the deadline.
	f.respond(tasks[0], true, map[string]any{"text": "too late"}, "")

	var late *orchestration.Assignment
	require.Eventually(t, func() bool {
		a, err := f.store.GetAssignment(context.Background(), tasks[0].AssignmentID)
		if err != nil || !a.Late {
			return false
		}
		late = a
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, orchestration.AssignmentSucceeded, late.Status)
	assert.True(t, late.Late)

	// Step and request state stay terminal.
	w, err := f.store.GetWorkflow(context.Background(), final.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepFailed, w.State[1].Status)
	got, err := f.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.RequestFailed, got.Status)
}

func TestNoWorkerKeepsStepReady(t *testing.T) {
	f := newFixture(t)
	f.workers.setMissing("llm", true)

	req := f.admit(t, singleStep("llm", 5000, orchestration.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.bus.tasks())

	w, err := f.store.GetWorkflow(context.Background(), req.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepReady, w.State[1].Status)
	assert.Equal(t, 0, w.State[1].Attempts, "no attempt consumed without a worker")

	// A worker appears; the next tick dispatches.
	f.workers.setMissing("llm", false)
	tasks := f.waitForTasks(t, 1)
	f.respond(tasks[0], true, map[string]any{"ok": true}, "")
	f.waitForStatus(t, req.ID, orchestration.RequestCompleted)
}

func TestBusOutageKeepsStepReady(t *testing.T) {
	f := newFixture(t)
	f.bus.setConnected(false)

	req := f.admit(t, singleStep("llm", 5000, orchestration.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.bus.tasks())
	w, err := f.store.GetWorkflow(context.Background(), req.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepReady, w.State[1].Status)

	f.bus.setConnected(true)
	tasks := f.waitForTasks(t, 1)
	f.respond(tasks[0], true, nil, "")
	f.waitForStatus(t, req.ID, orchestration.RequestCompleted)
}

func TestUnknownAssignmentEventIsDropped(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 5000, orchestration.RetryPolicy{MaxAttempts: 1}))
	tasks := f.waitForTasks(t, 1)

	f.sched.Submit(orchestration.AssignmentEvent{
		RequestID:    req.ID,
		AssignmentID: "not-a-real-assignment",
		Success:      true,
	})

	// The real response still completes the request.
	f.respond(tasks[0], true, nil, "")
	f.waitForStatus(t, req.ID, orchestration.RequestCompleted)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	req := f.admit(t, singleStep("llm", 60_000, orchestration.RetryPolicy{MaxAttempts: 1}))
	f.waitForTasks(t, 1)

	cancelled, err := f.sched.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.RequestCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "cancelled", cancelled.Error.Code)

	w, err := f.store.GetWorkflow(context.Background(), req.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepSkipped, w.State[1].Status)

	// Cancelling again is a no-op.
	again, err := f.sched.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestration.RequestCancelled, again.Status)
}

func TestNewComponentDefaults(t *testing.T) {
	comp, err := NewComponent([]byte(`{}`), component.Dependencies{})
	require.NoError(t, err)

	c := comp.(*Component)
	assert.Equal(t, 1024, c.config.PendingQueueLimit)
	assert.Equal(t, "500ms", c.config.TickInterval)

	meta := comp.(component.Discoverable).Meta()
	assert.Equal(t, "scheduler", meta.Name)
	assert.Equal(t, "processor", meta.Type)
}

func TestInitializeRequiresWiring(t *testing.T) {
	comp, err := NewComponent([]byte(`{}`), component.Dependencies{})
	require.NoError(t, err)
	c := comp.(*Component)

	assert.Error(t, c.Initialize(), "store/bus/workers are required")
}
