package orchestration

import (
	"testing"
	"time"
)

func TestRetryPolicyBackoff(t *testing.T) {
	t.Run("fixed delay", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, BackoffMs: 100, Exponential: false}
		for attempt := 1; attempt <= 3; attempt++ {
			if got := p.Backoff(attempt); got != 100*time.Millisecond {
				t.Errorf("attempt %d: expected 100ms, got %v", attempt, got)
			}
		}
	})

	t.Run("exponential delay", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 4, BackoffMs: 10, Exponential: true}
		expected := []time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
			40 * time.Millisecond,
		}
		for i, want := range expected {
			if got := p.Backoff(i + 1); got != want {
				t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
			}
		}
	})
}

func TestStatusTerminal(t *testing.T) {
	terminalReq := []RequestStatus{RequestCompleted, RequestFailed, RequestCancelled}
	for _, s := range terminalReq {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	if RequestPending.Terminal() || RequestRunning.Terminal() {
		t.Error("PENDING/RUNNING must not be terminal")
	}

	if StepDispatched.Terminal() || StepReady.Terminal() {
		t.Error("DISPATCHED/READY must not be terminal")
	}
	if !StepSkipped.Terminal() {
		t.Error("SKIPPED must be terminal")
	}
}

func TestRecordStatusBoundsHistory(t *testing.T) {
	req := &Request{Status: RequestPending}
	now := time.Now()
	for i := 0; i < maxStatusChanges*2; i++ {
		req.RecordStatus(RequestRunning, now)
	}
	if len(req.StatusChanges) != maxStatusChanges {
		t.Errorf("expected history bounded at %d, got %d", maxStatusChanges, len(req.StatusChanges))
	}
}

func TestWorkflowStepState(t *testing.T) {
	w := &Workflow{Steps: []StepSpec{{StepNumber: 1, WorkerType: "llm"}}}

	st := w.StepState(1)
	if st.Status != StepPending {
		t.Errorf("expected fresh state PENDING, got %s", st.Status)
	}

	st.Status = StepReady
	if w.StepState(1).Status != StepReady {
		t.Error("expected StepState to return the same instance")
	}

	if w.Step(2) != nil {
		t.Error("expected nil spec for unknown step number")
	}
}

func TestPayloadClone(t *testing.T) {
	p := Payload{"a": 1}
	c := p.Clone()
	c["b"] = 2
	if _, ok := p["b"]; ok {
		t.Error("clone must not mutate the original")
	}
	if Payload(nil).Clone() == nil {
		t.Error("clone of nil must be usable")
	}
}
