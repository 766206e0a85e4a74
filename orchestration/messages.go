package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Subject families for task dispatch and response consumption.
const (
	TaskSubjectPrefix     = "tasks."
	ResponseSubjectPrefix = "job.responses."
)

// TaskSubject returns the dispatch subject for a worker type.
func TaskSubject(workerType string) string {
	return TaskSubjectPrefix + workerType
}

// ResponseSubject returns the canonical response subject for a worker type.
func ResponseSubject(workerType string) string {
	return ResponseSubjectPrefix + workerType
}

// Message header names attached to every outbound record.
const (
	HeaderRequestID     = "x-request-id"
	HeaderCorrelationID = "x-correlation-id"
	HeaderUserID        = "x-user-id"
	HeaderAssignmentID  = "x-assignment-id"
	HeaderServiceName   = "x-service-name"
	HeaderTimestampMs   = "x-timestamp-ms"
)

// Headers is the set of headers carried on a bus record.
type Headers map[string]string

// TaskHeaders builds the outbound header set for an assignment.
func TaskHeaders(req *Request, assignmentID, serviceName string, now time.Time) Headers {
	return Headers{
		HeaderRequestID:     req.ID,
		HeaderCorrelationID: req.CorrelationID,
		HeaderUserID:        req.UserID,
		HeaderAssignmentID:  assignmentID,
		HeaderServiceName:   serviceName,
		HeaderTimestampMs:   strconv.FormatInt(now.UnixMilli(), 10),
	}
}

// TaskMessage is the body published to tasks.<workerType>.
type TaskMessage struct {
	RequestID    string    `json:"requestId"`
	AssignmentID string    `json:"assignmentId"`
	StepNumber   int       `json:"stepNumber"`
	WorkerType   string    `json:"workerType"`
	Payload      Payload   `json:"payload"`
	DeadlineAt   time.Time `json:"deadlineAt"`
}

// ResponseMessage is the body consumed from job.responses.<workerType>
// and the legacy response topics. Workers echo the assignment id either
// as assignmentId or, on older topics, as taskId.
type ResponseMessage struct {
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	AssignmentID  string          `json:"assignmentId,omitempty"`
	TaskID        string          `json:"taskId,omitempty"`
	Status        string          `json:"status,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`

	raw json.RawMessage
}

// ParseResponse decodes a worker response body, keeping the raw bytes so
// the whole message can serve as the output when no result/data field is
// present.
func ParseResponse(data []byte) (*ResponseMessage, error) {
	var msg ResponseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	msg.raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// Request returns the request id, falling back to the correlation id.
func (m *ResponseMessage) Request() string {
	if m.RequestID != "" {
		return m.RequestID
	}
	return m.CorrelationID
}

// Assignment returns the assignment id, accepting the legacy taskId key.
func (m *ResponseMessage) Assignment() string {
	if m.AssignmentID != "" {
		return m.AssignmentID
	}
	return m.TaskID
}

// IsError reports whether the response is negative.
func (m *ResponseMessage) IsError() bool {
	return m.Error != "" || m.Status == "error"
}

// ErrorMessage returns the worker error description.
func (m *ResponseMessage) ErrorMessage() string {
	if m.Error != "" {
		return m.Error
	}
	return "worker reported error status"
}

// Output returns the step output: result, then data, then the whole body.
func (m *ResponseMessage) Output() any {
	pick := func(raw json.RawMessage) (any, bool) {
		if len(raw) == 0 {
			return nil, false
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	}
	if v, ok := pick(m.Result); ok {
		return v
	}
	if v, ok := pick(m.Data); ok {
		return v
	}
	v, _ := pick(m.raw)
	return v
}

// AssignmentEvent is the internal event posted by the correlator (and
// the scheduler's own timeout path) onto the in-process channel the
// scheduler consumes. It is the only coupling between the two; the
// correlator never calls the scheduler directly.
type AssignmentEvent struct {
	RequestID    string
	WorkflowID   string
	AssignmentID string
	StepNumber   int
	Success      bool
	Output       any
	Error        string
	TimedOut     bool
}
