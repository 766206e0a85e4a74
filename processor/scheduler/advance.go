package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/engineersedge/orchestrator/orchestration"
)

// advance takes the workflow mutex and runs one scheduling pass:
// promote ready steps, dispatch them, evaluate termination. It returns
// the per-worker-type count of ready steps that could not be dispatched
// (no worker, bus offline), which feeds the saturation gauge.
func (c *Component) advance(ctx context.Context, workflowID string) map[string]int {
	lock := c.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return c.advanceLocked(ctx, workflowID)
}

func (c *Component) advanceLocked(ctx context.Context, workflowID string) map[string]int {
	started := time.Now()
	defer func() { c.collector.ObserveAdvance(time.Since(started)) }()
	c.touch()

	w, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		c.logger.Warn("Advance skipped, workflow not loadable",
			"workflow_id", workflowID,
			"error", err)
		return nil
	}
	req, err := c.store.GetRequest(ctx, w.RequestID)
	if err != nil {
		c.logger.Warn("Advance skipped, request not loadable",
			"request_id", w.RequestID,
			"workflow_id", workflowID,
			"error", err)
		return nil
	}
	if req.Status.Terminal() {
		c.deactivate(workflowID)
		return nil
	}

	now := time.Now()
	promoteReady(w)

	backlog := make(map[string]int)
	dispatchedAny := false
	for i := range w.Steps {
		step := &w.Steps[i]
		st := w.StepState(step.StepNumber)
		if st.Status != orchestration.StepReady {
			continue
		}
		if st.NotBefore != nil && now.Before(*st.NotBefore) {
			continue
		}
		if err := c.dispatchStep(ctx, req, w, step, st); err != nil {
			backlog[step.WorkerType]++
			continue
		}
		dispatchedAny = true
	}

	c.evaluateTermination(ctx, req, w, now)

	w.UpdatedAt = now
	if err := c.persistWorkflow(ctx, w); err != nil {
		c.logger.Error("Failed to persist workflow",
			"request_id", req.ID,
			"workflow_id", w.ID,
			"error", err)
		return backlog
	}

	if dispatchedAny && req.Status == orchestration.RequestPending {
		c.transitionRequest(ctx, req.ID, func(r *orchestration.Request) {
			if r.Status == orchestration.RequestPending {
				r.RecordStatus(orchestration.RequestRunning, now)
			}
		})
	}
	return backlog
}

// promoteReady marks every pending step whose dependencies have all
// succeeded as ready, and keeps CurrentStep advisory.
func promoteReady(w *orchestration.Workflow) {
	for _, step := range w.Steps {
		st := w.StepState(step.StepNumber)
		if st.Status != orchestration.StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			depState := w.State[dep]
			if depState == nil || depState.Status != orchestration.StepSucceeded {
				ready = false
				break
			}
		}
		if ready {
			st.Status = orchestration.StepReady
			if step.StepNumber > w.CurrentStep {
				w.CurrentStep = step.StepNumber
			}
		}
	}
}

// dispatchStep selects a worker, records the assignment and publishes
// the task. A nil error means an attempt was consumed: the step is
// DISPATCHED, or, when the publish itself failed, it went through the
// retry path. Any error leaves the step READY for the next tick.
func (c *Component) dispatchStep(ctx context.Context, req *orchestration.Request, w *orchestration.Workflow, step *orchestration.StepSpec, st *orchestration.StepState) error {
	if !c.bus.Connected() {
		return orchestration.ErrNotConnected
	}

	selectionStart := time.Now()
	worker := c.workers.Select(step.WorkerType)
	c.collector.ObserveSelection(time.Since(selectionStart))
	if worker == nil {
		c.logger.Warn("No worker available, step stays ready",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"step", step.StepNumber,
			"worker_type", step.WorkerType)
		return orchestration.ErrNoWorker
	}

	now := time.Now()
	assignment := &orchestration.Assignment{
		ID:               orchestration.NewID(),
		RequestID:        req.ID,
		WorkflowID:       w.ID,
		StepNumber:       step.StepNumber,
		WorkerType:       step.WorkerType,
		WorkerInstanceID: worker.ID,
		Attempt:          st.Attempts + 1,
		Status:           orchestration.AssignmentDispatched,
		DispatchedAt:     now,
		DeadlineAt:       now.Add(step.Timeout()),
		Input:            dispatchPayload(req, w, step),
	}
	if err := c.store.CreateAssignment(ctx, assignment); err != nil {
		c.logger.Error("Failed to record assignment",
			"request_id", req.ID,
			"step", step.StepNumber,
			"error", err)
		return err
	}

	st.Attempts = assignment.Attempt
	st.LastAssignmentID = assignment.ID
	st.Status = orchestration.StepDispatched
	st.NotBefore = nil
	if st.StartedAt == nil {
		st.StartedAt = &now
	}

	msg := orchestration.TaskMessage{
		RequestID:    req.ID,
		AssignmentID: assignment.ID,
		StepNumber:   step.StepNumber,
		WorkerType:   step.WorkerType,
		Payload:      assignment.Input,
		DeadlineAt:   assignment.DeadlineAt,
	}
	headers := orchestration.TaskHeaders(req, assignment.ID, c.config.ServiceName, now)
	if err := c.bus.Publish(ctx, orchestration.TaskSubject(step.WorkerType), msg, headers); err != nil {
		// The producer went offline between the check and the publish;
		// the attempt is consumed and fails through the retry path.
		assignment.Status = orchestration.AssignmentFailed
		assignment.Error = err.Error()
		completed := time.Now()
		assignment.CompletedAt = &completed
		c.persistAssignment(ctx, assignment)
		c.failAttempt(ctx, req, w, step, st, "dispatch failed: "+err.Error(), completed)
		return nil
	}

	c.armTimer(assignment)
	c.dispatched.Add(1)
	c.collector.AssignmentOutcome(step.WorkerType, "dispatched")
	c.logger.Info("Dispatched assignment",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"user_id", req.UserID,
		"service", c.config.ServiceName,
		"assignment_id", assignment.ID,
		"step", step.StepNumber,
		"worker_type", step.WorkerType,
		"worker_instance", worker.ID,
		"attempt", assignment.Attempt)
	return nil
}

// dispatchPayload merges the request payload with the accumulated
// outputs of the step's dependencies. Map outputs merge key-wise;
// scalar outputs land under a step<N> key.
func dispatchPayload(req *orchestration.Request, w *orchestration.Workflow, step *orchestration.StepSpec) orchestration.Payload {
	payload := req.Payload.Clone()
	for _, dep := range step.DependsOn {
		st := w.State[dep]
		if st == nil || st.Output == nil {
			continue
		}
		if m, ok := st.Output.(map[string]any); ok {
			for k, v := range m {
				payload[k] = v
			}
			continue
		}
		payload[fmt.Sprintf("step%d", dep)] = st.Output
	}
	return payload
}

// failAttempt applies retry policy after a failed, timed-out or
// undeliverable attempt. With attempts remaining the step returns to
// READY after the backoff delay; otherwise it fails terminally and the
// workflow fails with it.
func (c *Component) failAttempt(ctx context.Context, req *orchestration.Request, w *orchestration.Workflow, step *orchestration.StepSpec, st *orchestration.StepState, errMsg string, now time.Time) {
	maxAttempts := step.RetryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if st.Attempts < maxAttempts {
		notBefore := now.Add(step.RetryPolicy.Backoff(st.Attempts))
		st.Status = orchestration.StepReady
		st.NotBefore = &notBefore
		st.Error = errMsg
		c.logger.Info("Retrying step",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"step", step.StepNumber,
			"attempt", st.Attempts,
			"max_attempts", maxAttempts,
			"not_before", notBefore)
		return
	}

	st.Status = orchestration.StepFailed
	st.Error = errMsg
	finished := now
	st.FinishedAt = &finished
	c.logger.Warn("Step failed terminally",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"step", step.StepNumber,
		"attempts", st.Attempts,
		"error", errMsg)
}

// evaluateTermination finalizes the request when the workflow reached a
// terminal shape: all steps succeeded, or a step failed terminally.
func (c *Component) evaluateTermination(ctx context.Context, req *orchestration.Request, w *orchestration.Workflow, now time.Time) {
	failedStep := 0
	allSucceeded := true
	for _, step := range w.Steps {
		st := w.State[step.StepNumber]
		if st == nil || st.Status != orchestration.StepSucceeded {
			allSucceeded = false
		}
		if st != nil && st.Status == orchestration.StepFailed {
			failedStep = step.StepNumber
		}
	}

	switch {
	case allSucceeded:
		c.finalize(ctx, req, w, now, func(r *orchestration.Request) {
			tpl, err := c.templates.Get(w.TemplateName)
			derived := ""
			if err == nil {
				derived = tpl.ResultField
			}
			r.Result = orchestration.AggregateResult(w, derived)
			r.RecordStatus(orchestration.RequestCompleted, now)
		})
	case failedStep != 0:
		c.skipRemaining(w, now)
		failed := w.State[failedStep]
		c.finalize(ctx, req, w, now, func(r *orchestration.Request) {
			r.Error = &orchestration.RequestError{
				Code:       "step_failed",
				Message:    failed.Error,
				FailedStep: failedStep,
			}
			r.Result = orchestration.PartialResult(w)
			r.RecordStatus(orchestration.RequestFailed, now)
		})
	}
}

// skipRemaining marks every non-terminal step SKIPPED and cancels any
// outstanding deadline timers, so a failed request never leaves a step
// dispatched.
func (c *Component) skipRemaining(w *orchestration.Workflow, now time.Time) {
	for _, step := range w.Steps {
		st := w.StepState(step.StepNumber)
		if st.Status.Terminal() {
			continue
		}
		if st.LastAssignmentID != "" {
			c.cancelTimer(st.LastAssignmentID)
		}
		st.Status = orchestration.StepSkipped
		finished := now
		st.FinishedAt = &finished
	}
}

func (c *Component) finalize(ctx context.Context, req *orchestration.Request, w *orchestration.Workflow, now time.Time, apply func(*orchestration.Request)) {
	c.transitionRequest(ctx, req.ID, func(r *orchestration.Request) {
		if r.Status.Terminal() {
			return
		}
		apply(r)
		completed := now
		r.CompletedAt = &completed
	})

	updated, err := c.store.GetRequest(ctx, req.ID)
	if err == nil {
		*req = *updated
	}
	c.deactivate(w.ID)
	c.collector.RequestFinished(w.TemplateName, string(req.Status))
	c.logger.Info("Request finished",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"user_id", req.UserID,
		"service", c.config.ServiceName,
		"workflow", w.TemplateName,
		"status", req.Status)
}

// Cancel marks a non-terminal request CANCELLED, skipping every
// remaining step. Structurally identical to failure.
func (c *Component) Cancel(ctx context.Context, requestID string) (*orchestration.Request, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}

	lock := c.lockFor(req.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	w, err := c.store.GetWorkflow(ctx, req.WorkflowID)
	if err == nil {
		c.skipRemaining(w, now)
		w.UpdatedAt = now
		if perr := c.persistWorkflow(ctx, w); perr != nil {
			c.logger.Error("Failed to persist cancelled workflow",
				"request_id", requestID,
				"workflow_id", w.ID,
				"error", perr)
		}
		c.deactivate(w.ID)
	}

	c.transitionRequest(ctx, requestID, func(r *orchestration.Request) {
		if r.Status.Terminal() {
			return
		}
		r.Error = &orchestration.RequestError{Code: "cancelled", Message: "cancelled by caller"}
		completed := now
		r.CompletedAt = &completed
		r.RecordStatus(orchestration.RequestCancelled, now)
	})
	return c.store.GetRequest(ctx, requestID)
}

// persistWorkflow writes the workflow, resolving version conflicts by
// re-reading and carrying our state over: the per-workflow mutex makes
// this component the only step-state writer, so the in-memory state is
// authoritative.
func (c *Component) persistWorkflow(ctx context.Context, w *orchestration.Workflow) error {
	for attempt := 0; attempt < 5; attempt++ {
		err := c.store.UpdateWorkflow(ctx, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, orchestration.ErrVersionConflict) {
			return err
		}
		fresh, rerr := c.store.GetWorkflow(ctx, w.ID)
		if rerr != nil {
			return rerr
		}
		w.Version = fresh.Version
	}
	return fmt.Errorf("%w: workflow %s", orchestration.ErrVersionConflict, w.ID)
}

// persistAssignment mirrors persistWorkflow for assignment records.
func (c *Component) persistAssignment(ctx context.Context, a *orchestration.Assignment) {
	for attempt := 0; attempt < 5; attempt++ {
		err := c.store.UpdateAssignment(ctx, a)
		if err == nil {
			return
		}
		if !errors.Is(err, orchestration.ErrVersionConflict) {
			c.logger.Error("Failed to persist assignment",
				"assignment_id", a.ID,
				"error", err)
			return
		}
		fresh, rerr := c.store.GetAssignment(ctx, a.ID)
		if rerr != nil {
			return
		}
		a.Version = fresh.Version
	}
}

// transitionRequest applies a mutation under the version guard with
// re-read retries. The core never blind-writes.
func (c *Component) transitionRequest(ctx context.Context, requestID string, apply func(*orchestration.Request)) {
	for attempt := 0; attempt < 5; attempt++ {
		req, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			c.logger.Error("Failed to load request for transition",
				"request_id", requestID,
				"error", err)
			return
		}
		apply(req)
		err = c.store.UpdateRequest(ctx, req)
		if err == nil {
			return
		}
		if !errors.Is(err, orchestration.ErrVersionConflict) {
			c.logger.Error("Failed to update request",
				"request_id", requestID,
				"error", err)
			return
		}
	}
	c.logger.Error("Request transition lost the version race repeatedly",
		"request_id", requestID)
}
