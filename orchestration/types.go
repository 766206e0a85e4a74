// Package orchestration defines the domain model of the orchestration
// core: requests, workflows, assignments and the messages exchanged with
// worker services over the bus.
package orchestration

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestRunning   RequestStatus = "RUNNING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestFailed    RequestStatus = "FAILED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// StepStatus is the state of a single workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepReady      StepStatus = "READY"
	StepDispatched StepStatus = "DISPATCHED"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// Terminal reports whether the step status is terminal.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// AssignmentStatus is the state of one dispatched attempt.
type AssignmentStatus string

const (
	AssignmentDispatched AssignmentStatus = "DISPATCHED"
	AssignmentSucceeded  AssignmentStatus = "SUCCEEDED"
	AssignmentFailed     AssignmentStatus = "FAILED"
	AssignmentTimedOut   AssignmentStatus = "TIMED_OUT"
)

// Payload is the caller-supplied freeform data object. The core passes
// it through unmodified; only the router inspects it for signals.
type Payload map[string]any

// Clone returns a shallow copy so callers can merge step outputs without
// mutating the original request payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Request is the caller's unit of work.
type Request struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	WorkflowName   string        `json:"workflow_name"`
	WorkflowID     string        `json:"workflow_id"`
	Payload        Payload       `json:"payload"`
	CorrelationID  string        `json:"correlation_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         RequestStatus `json:"status"`
	Result         Payload       `json:"result,omitempty"`
	Error          *RequestError `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	StatusChanges  []StatusChange `json:"status_changes,omitempty"`
	Version        int64         `json:"version"`
}

// RequestError describes a terminal failure.
type RequestError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	FailedStep int    `json:"failed_step,omitempty"`
}

// StatusChange records one request status transition.
type StatusChange struct {
	From RequestStatus `json:"from"`
	To   RequestStatus `json:"to"`
	At   time.Time     `json:"at"`
}

// maxStatusChanges bounds the audit trail kept on a request.
const maxStatusChanges = 32

// RecordStatus transitions the request status and appends to the bounded
// audit trail.
func (r *Request) RecordStatus(to RequestStatus, now time.Time) {
	r.StatusChanges = append(r.StatusChanges, StatusChange{From: r.Status, To: to, At: now})
	if len(r.StatusChanges) > maxStatusChanges {
		r.StatusChanges = r.StatusChanges[len(r.StatusChanges)-maxStatusChanges:]
	}
	r.Status = to
	r.UpdatedAt = now
}

// RetryPolicy controls retry behavior for one step.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms" yaml:"backoff_ms"`
	Exponential bool  `json:"exponential" yaml:"exponential"`
}

// Backoff returns the delay before re-dispatching after the given
// 1-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := time.Duration(p.BackoffMs) * time.Millisecond
	if !p.Exponential || attempt <= 1 {
		return base
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// StepSpec is one node of a workflow template.
type StepSpec struct {
	StepNumber  int         `json:"step_number" yaml:"step_number"`
	WorkerType  string      `json:"worker_type" yaml:"worker_type"`
	DependsOn   []int       `json:"depends_on,omitempty" yaml:"depends_on"`
	Parallel    bool        `json:"parallel" yaml:"parallel"`
	TimeoutMs   int64       `json:"timeout_ms" yaml:"timeout_ms"`
	RetryPolicy RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
}

// Timeout returns the step deadline duration.
func (s StepSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// StepState is the mutable execution state of one step.
type StepState struct {
	Status           StepStatus `json:"status"`
	Attempts         int        `json:"attempts"`
	LastAssignmentID string     `json:"last_assignment_id,omitempty"`
	Output           any        `json:"output,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	// NotBefore delays re-dispatch after a retryable failure.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// Workflow is an instantiated template bound to a Request.
type Workflow struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"request_id"`
	TemplateName string             `json:"template_name"`
	Steps        []StepSpec         `json:"steps"`
	CurrentStep  int                `json:"current_step"`
	State        map[int]*StepState `json:"state"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Version      int64              `json:"version"`
}

// Step returns the spec for a step number, or nil.
func (w *Workflow) Step(n int) *StepSpec {
	for i := range w.Steps {
		if w.Steps[i].StepNumber == n {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepState returns the state for a step number, creating it on demand.
func (w *Workflow) StepState(n int) *StepState {
	if w.State == nil {
		w.State = make(map[int]*StepState)
	}
	st, ok := w.State[n]
	if !ok {
		st = &StepState{Status: StepPending}
		w.State[n] = st
	}
	return st
}

// Assignment is one dispatched attempt for one step.
type Assignment struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	WorkflowID       string           `json:"workflow_id"`
	StepNumber       int              `json:"step_number"`
	WorkerType       string           `json:"worker_type"`
	WorkerInstanceID string           `json:"worker_instance_id,omitempty"`
	Attempt          int              `json:"attempt"`
	Status           AssignmentStatus `json:"status"`
	DispatchedAt     time.Time        `json:"dispatched_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	DeadlineAt       time.Time        `json:"deadline_at"`
	Input            Payload          `json:"input,omitempty"`
	Output           any              `json:"output,omitempty"`
	Error            string           `json:"error,omitempty"`
	// Late marks a success that arrived after the assignment had already
	// timed out on the scheduler side.
	Late    bool  `json:"late,omitempty"`
	Version int64 `json:"version"`
}

// WorkerHealth is the probe state of a discovered worker.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerUnhealthy WorkerHealth = "unhealthy"
	WorkerUnknown   WorkerHealth = "unknown"
)

// WorkerInstance is a discovered worker service endpoint.
type WorkerInstance struct {
	ID              string            `json:"id"`
	WorkerType      string            `json:"worker_type"`
	Endpoint        string            `json:"endpoint"`
	Health          WorkerHealth      `json:"health"`
	LastHealthCheck time.Time         `json:"last_health_check"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.New().String()
}
