package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/engineersedge/orchestrator/orchestration"
)

// Memory is the in-memory Store used by tests. Entities are deep-copied
// through JSON on the way in and out so callers never share mutable state
// with the store.
type Memory struct {
	mu          sync.RWMutex
	requests    map[string][]byte
	workflows   map[string][]byte
	assignments map[string][]byte
	idempotency map[string]string // userID/key -> requestID
	// createOrder preserves insertion order for user listings.
	createOrder []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string][]byte),
		workflows:   make(map[string][]byte),
		assignments: make(map[string][]byte),
		idempotency: make(map[string]string),
	}
}

func idemKey(userID, key string) string {
	return userID + "/" + key
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return data, nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &v, nil
}

// CreateRequest stores a new request and claims its idempotency key.
func (m *Memory) CreateRequest(_ context.Context, req *orchestration.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return orchestration.ErrDuplicateID
	}
	req.Version = 1
	data, err := encode(req)
	if err != nil {
		return err
	}
	m.requests[req.ID] = data
	m.createOrder = append(m.createOrder, req.ID)
	if req.IdempotencyKey != "" {
		m.idempotency[idemKey(req.UserID, req.IdempotencyKey)] = req.ID
	}
	return nil
}

// GetRequest returns the request by id.
func (m *Memory) GetRequest(_ context.Context, id string) (*orchestration.Request, error) {
	m.mu.RLock()
	data, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, orchestration.ErrNotFound
	}
	return decode[orchestration.Request](data)
}

// FindByIdempotency resolves the idempotency index.
func (m *Memory) FindByIdempotency(ctx context.Context, userID, key string) (*orchestration.Request, error) {
	m.mu.RLock()
	id, ok := m.idempotency[idemKey(userID, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, orchestration.ErrNotFound
	}
	return m.GetRequest(ctx, id)
}

// UpdateRequest applies a conditional update keyed on Version.
func (m *Memory) UpdateRequest(_ context.Context, req *orchestration.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.requests[req.ID]
	if !ok {
		return orchestration.ErrNotFound
	}
	stored, err := decode[orchestration.Request](data)
	if err != nil {
		return err
	}
	if stored.Version != req.Version {
		return orchestration.ErrVersionConflict
	}
	req.Version++
	updated, err := encode(req)
	if err != nil {
		return err
	}
	m.requests[req.ID] = updated
	return nil
}

// ListRequestsByUser returns the user's requests, newest first.
func (m *Memory) ListRequestsByUser(_ context.Context, userID string, limit int) ([]*orchestration.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*orchestration.Request
	for _, id := range m.createOrder {
		data, ok := m.requests[id]
		if !ok {
			continue
		}
		req, err := decode[orchestration.Request](data)
		if err != nil {
			continue
		}
		if req.UserID == userID {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateWorkflow stores a new workflow.
func (m *Memory) CreateWorkflow(_ context.Context, w *orchestration.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[w.ID]; exists {
		return orchestration.ErrDuplicateID
	}
	w.Version = 1
	data, err := encode(w)
	if err != nil {
		return err
	}
	m.workflows[w.ID] = data
	return nil
}

// GetWorkflow returns the workflow by id.
func (m *Memory) GetWorkflow(_ context.Context, id string) (*orchestration.Workflow, error) {
	m.mu.RLock()
	data, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, orchestration.ErrNotFound
	}
	return decode[orchestration.Workflow](data)
}

// UpdateWorkflow applies a conditional update keyed on Version.
func (m *Memory) UpdateWorkflow(_ context.Context, w *orchestration.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.workflows[w.ID]
	if !ok {
		return orchestration.ErrNotFound
	}
	stored, err := decode[orchestration.Workflow](data)
	if err != nil {
		return err
	}
	if stored.Version != w.Version {
		return orchestration.ErrVersionConflict
	}
	w.Version++
	updated, err := encode(w)
	if err != nil {
		return err
	}
	m.workflows[w.ID] = updated
	return nil
}

// CreateAssignment stores a new assignment.
func (m *Memory) CreateAssignment(_ context.Context, a *orchestration.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assignments[a.ID]; exists {
		return orchestration.ErrDuplicateID
	}
	a.Version = 1
	data, err := encode(a)
	if err != nil {
		return err
	}
	m.assignments[a.ID] = data
	return nil
}

// GetAssignment returns the assignment by id.
func (m *Memory) GetAssignment(_ context.Context, id string) (*orchestration.Assignment, error) {
	m.mu.RLock()
	data, ok := m.assignments[id]
	m.mu.RUnlock()
	if !ok {
		return nil, orchestration.ErrNotFound
	}
	return decode[orchestration.Assignment](data)
}

// UpdateAssignment applies a conditional update keyed on Version.
func (m *Memory) UpdateAssignment(_ context.Context, a *orchestration.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.assignments[a.ID]
	if !ok {
		return orchestration.ErrNotFound
	}
	stored, err := decode[orchestration.Assignment](data)
	if err != nil {
		return err
	}
	if stored.Version != a.Version {
		return orchestration.ErrVersionConflict
	}
	a.Version++
	updated, err := encode(a)
	if err != nil {
		return err
	}
	m.assignments[a.ID] = updated
	return nil
}

// ListAssignmentsByWorkflow returns all attempts for a workflow, ordered
// by dispatch time.
func (m *Memory) ListAssignmentsByWorkflow(_ context.Context, workflowID string) ([]*orchestration.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*orchestration.Assignment
	for _, data := range m.assignments {
		a, err := decode[orchestration.Assignment](data)
		if err != nil {
			continue
		}
		if a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	return out, nil
}

var _ Store = (*Memory)(nil)
