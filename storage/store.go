// Package storage provides durable persistence for requests, workflows
// and assignments with conditional (compare-and-set) updates.
package storage

import (
	"context"

	"github.com/engineersedge/orchestrator/orchestration"
)

// RequestStore persists Request entities.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *orchestration.Request) error
	GetRequest(ctx context.Context, id string) (*orchestration.Request, error)
	// FindByIdempotency resolves the (userID, idempotencyKey) index.
	// Returns ErrNotFound when no request claimed the key.
	FindByIdempotency(ctx context.Context, userID, key string) (*orchestration.Request, error)
	// UpdateRequest succeeds iff the stored version equals
	// req.Version, and then increments req.Version. On mismatch it
	// returns ErrVersionConflict and the caller re-reads.
	UpdateRequest(ctx context.Context, req *orchestration.Request) error
	// ListRequestsByUser returns the user's requests, newest first,
	// bounded by limit.
	ListRequestsByUser(ctx context.Context, userID string, limit int) ([]*orchestration.Request, error)
}

// WorkflowStore persists Workflow entities.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *orchestration.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*orchestration.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *orchestration.Workflow) error
}

// AssignmentStore persists Assignment entities.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *orchestration.Assignment) error
	GetAssignment(ctx context.Context, id string) (*orchestration.Assignment, error)
	UpdateAssignment(ctx context.Context, a *orchestration.Assignment) error
	// ListAssignmentsByWorkflow returns all attempts for a workflow.
	ListAssignmentsByWorkflow(ctx context.Context, workflowID string) ([]*orchestration.Assignment, error)
}

// Store is the combined persistence surface the rest of the system
// depends on. Implementations: Memory (tests), KV (NATS JetStream).
type Store interface {
	RequestStore
	WorkflowStore
	AssignmentStore
}
