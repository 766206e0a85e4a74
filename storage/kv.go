package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/engineersedge/orchestrator/orchestration"
)

// Bucket names for each entity type.
const (
	BucketRequests    = "ORCH_REQUESTS"
	BucketWorkflows   = "ORCH_WORKFLOWS"
	BucketAssignments = "ORCH_ASSIGNMENTS"
	BucketIdempotency = "ORCH_IDEMPOTENCY"
)

// KV is the production Store backed by NATS JetStream key-value
// buckets. Entity versions map 1:1 onto KV revisions: Create writes
// revision 1, and every conditional update passes the entity's Version
// as the expected revision, so a lost race surfaces as
// ErrVersionConflict without any read-modify-write window.
type KV struct {
	requests    jetstream.KeyValue
	workflows   jetstream.KeyValue
	assignments jetstream.KeyValue
	idempotency jetstream.KeyValue
}

// NewKV creates the Store, provisioning buckets as needed.
func NewKV(ctx context.Context, js jetstream.JetStream) (*KV, error) {
	requests, err := getOrCreateBucket(ctx, js, BucketRequests)
	if err != nil {
		return nil, fmt.Errorf("create requests bucket: %w", err)
	}
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}
	assignments, err := getOrCreateBucket(ctx, js, BucketAssignments)
	if err != nil {
		return nil, fmt.Errorf("create assignments bucket: %w", err)
	}
	idempotency, err := getOrCreateBucket(ctx, js, BucketIdempotency)
	if err != nil {
		return nil, fmt.Errorf("create idempotency bucket: %w", err)
	}

	return &KV{
		requests:    requests,
		workflows:   workflows,
		assignments: assignments,
		idempotency: idempotency,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Orchestrator %s storage", name),
		History:     5,
	})
}

// idempotencyBucketKey hashes (userID, key) into a KV-safe key.
func idempotencyBucketKey(userID, key string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + key))
	return hex.EncodeToString(h[:])
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}

func kvCreate(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return orchestration.ErrDuplicateID
		}
		return fmt.Errorf("store entity: %w", err)
	}
	return nil
}

func kvGet[T any](ctx context.Context, kv jetstream.KeyValue, key string) (*T, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, orchestration.ErrNotFound
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	var v T
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &v, nil
}

// kvUpdate writes v at the expected revision. On a revision mismatch it
// returns ErrVersionConflict so the caller can re-read and retry.
func kvUpdate(ctx context.Context, kv jetstream.KeyValue, key string, v any, expectedRevision uint64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	if _, err := kv.Update(ctx, key, data, expectedRevision); err != nil {
		if isNotFound(err) {
			return orchestration.ErrNotFound
		}
		// Re-read to distinguish a lost revision race from other
		// failures; the conditional update is the common contention
		// point and the caller handles conflicts.
		if entry, gerr := kv.Get(ctx, key); gerr == nil && entry.Revision() != expectedRevision {
			return orchestration.ErrVersionConflict
		}
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

func kvScan[T any](ctx context.Context, kv jetstream.KeyValue) ([]*T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

// CreateRequest stores a new request and claims its idempotency key.
func (s *KV) CreateRequest(ctx context.Context, req *orchestration.Request) error {
	req.Version = 1
	if err := kvCreate(ctx, s.requests, req.ID, req); err != nil {
		return err
	}
	if req.IdempotencyKey != "" {
		key := idempotencyBucketKey(req.UserID, req.IdempotencyKey)
		if _, err := s.idempotency.Create(ctx, key, []byte(req.ID)); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("store idempotency index: %w", err)
		}
	}
	return nil
}

// GetRequest returns the request by id.
func (s *KV) GetRequest(ctx context.Context, id string) (*orchestration.Request, error) {
	return kvGet[orchestration.Request](ctx, s.requests, id)
}

// FindByIdempotency resolves the (userID, idempotencyKey) index.
func (s *KV) FindByIdempotency(ctx context.Context, userID, key string) (*orchestration.Request, error) {
	entry, err := s.idempotency.Get(ctx, idempotencyBucketKey(userID, key))
	if err != nil {
		if isNotFound(err) {
			return nil, orchestration.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency index: %w", err)
	}
	return s.GetRequest(ctx, string(entry.Value()))
}

// UpdateRequest applies a conditional update keyed on Version.
func (s *KV) UpdateRequest(ctx context.Context, req *orchestration.Request) error {
	expected := uint64(req.Version)
	req.Version++
	if err := kvUpdate(ctx, s.requests, req.ID, req, expected); err != nil {
		req.Version--
		return err
	}
	return nil
}

// ListRequestsByUser scans the bucket for the user's requests.
func (s *KV) ListRequestsByUser(ctx context.Context, userID string, limit int) ([]*orchestration.Request, error) {
	all, err := kvScan[orchestration.Request](ctx, s.requests)
	if err != nil {
		return nil, err
	}
	var out []*orchestration.Request
	for _, req := range all {
		if req.UserID == userID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateWorkflow stores a new workflow.
func (s *KV) CreateWorkflow(ctx context.Context, w *orchestration.Workflow) error {
	w.Version = 1
	return kvCreate(ctx, s.workflows, w.ID, w)
}

// GetWorkflow returns the workflow by id.
func (s *KV) GetWorkflow(ctx context.Context, id string) (*orchestration.Workflow, error) {
	return kvGet[orchestration.Workflow](ctx, s.workflows, id)
}

// UpdateWorkflow applies a conditional update keyed on Version.
func (s *KV) UpdateWorkflow(ctx context.Context, w *orchestration.Workflow) error {
	expected := uint64(w.Version)
	w.Version++
	if err := kvUpdate(ctx, s.workflows, w.ID, w, expected); err != nil {
		w.Version--
		return err
	}
	return nil
}

// CreateAssignment stores a new assignment.
func (s *KV) CreateAssignment(ctx context.Context, a *orchestration.Assignment) error {
	a.Version = 1
	return kvCreate(ctx, s.assignments, a.ID, a)
}

// GetAssignment returns the assignment by id.
func (s *KV) GetAssignment(ctx context.Context, id string) (*orchestration.Assignment, error) {
	return kvGet[orchestration.Assignment](ctx, s.assignments, id)
}

// UpdateAssignment applies a conditional update keyed on Version.
func (s *KV) UpdateAssignment(ctx context.Context, a *orchestration.Assignment) error {
	expected := uint64(a.Version)
	a.Version++
	if err := kvUpdate(ctx, s.assignments, a.ID, a, expected); err != nil {
		a.Version--
		return err
	}
	return nil
}

// ListAssignmentsByWorkflow scans the bucket for a workflow's attempts.
func (s *KV) ListAssignmentsByWorkflow(ctx context.Context, workflowID string) ([]*orchestration.Assignment, error) {
	all, err := kvScan[orchestration.Assignment](ctx, s.assignments)
	if err != nil {
		return nil, err
	}
	var out []*orchestration.Assignment
	for _, a := range all {
		if a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	return out, nil
}

var _ Store = (*KV)(nil)
