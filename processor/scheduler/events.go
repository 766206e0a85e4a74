package scheduler

import (
	"context"
	"time"

	"github.com/engineersedge/orchestrator/orchestration"
)

// armTimer starts the deadline timer for a live assignment. On expiry
// the timeout is posted as an event so it serializes through the same
// loop as worker responses.
func (c *Component) armTimer(a *orchestration.Assignment) {
	delay := time.Until(a.DeadlineAt)
	if delay < 0 {
		delay = 0
	}
	ev := orchestration.AssignmentEvent{
		RequestID:    a.RequestID,
		WorkflowID:   a.WorkflowID,
		AssignmentID: a.ID,
		StepNumber:   a.StepNumber,
		TimedOut:     true,
	}
	c.timersMu.Lock()
	c.timers[a.ID] = time.AfterFunc(delay, func() {
		c.Submit(ev)
	})
	c.timersMu.Unlock()
}

func (c *Component) cancelTimer(assignmentID string) {
	c.timersMu.Lock()
	if timer, ok := c.timers[assignmentID]; ok {
		timer.Stop()
		delete(c.timers, assignmentID)
	}
	c.timersMu.Unlock()
}

// handleEvent applies one correlated response or timeout firing to the
// assignment and step state, then continues the workflow.
func (c *Component) handleEvent(ctx context.Context, ev orchestration.AssignmentEvent) {
	c.touch()

	assignment, err := c.store.GetAssignment(ctx, ev.AssignmentID)
	if err != nil {
		c.collector.ResponseDropped("unknown_assignment")
		c.logger.Warn("Dropping event for unknown assignment",
			"request_id", ev.RequestID,
			"assignment_id", ev.AssignmentID)
		return
	}

	lock := c.lockFor(assignment.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := c.store.GetWorkflow(ctx, assignment.WorkflowID)
	if err != nil {
		c.logger.Warn("Dropping event, workflow not loadable",
			"workflow_id", assignment.WorkflowID,
			"error", err)
		return
	}
	req, err := c.store.GetRequest(ctx, assignment.RequestID)
	if err != nil {
		c.logger.Warn("Dropping event, request not loadable",
			"request_id", assignment.RequestID,
			"error", err)
		return
	}

	now := time.Now()
	step := w.Step(assignment.StepNumber)
	st := w.State[assignment.StepNumber]
	// The step machine only moves for the current attempt of a step
	// that is still dispatched; everything else is a late arrival.
	current := step != nil && st != nil &&
		st.Status == orchestration.StepDispatched &&
		st.LastAssignmentID == assignment.ID

	switch {
	case ev.TimedOut:
		if assignment.Status != orchestration.AssignmentDispatched {
			// The response won the race; nothing to do.
			return
		}
		c.cancelTimer(assignment.ID)
		assignment.Status = orchestration.AssignmentTimedOut
		assignment.Error = "deadline exceeded"
		assignment.CompletedAt = &now
		c.persistAssignment(ctx, assignment)
		c.timedOut.Add(1)
		c.collector.AssignmentOutcome(assignment.WorkerType, "timed_out")
		c.logger.Warn("Assignment timed out",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"assignment_id", assignment.ID,
			"step", assignment.StepNumber,
			"worker_type", assignment.WorkerType)
		if !current {
			return
		}
		c.failAttempt(ctx, req, w, step, st, "deadline exceeded", now)

	case ev.Success:
		c.cancelTimer(assignment.ID)
		if !current || assignment.Status != orchestration.AssignmentDispatched {
			// Late success: record it on the assignment for forensics,
			// never retro-advance the step state.
			if assignment.Status == orchestration.AssignmentDispatched ||
				assignment.Status == orchestration.AssignmentTimedOut {
				assignment.Status = orchestration.AssignmentSucceeded
				assignment.Output = ev.Output
				assignment.Late = true
				if assignment.CompletedAt == nil {
					assignment.CompletedAt = &now
				}
				c.persistAssignment(ctx, assignment)
			}
			c.collector.ResponseDropped("late_response")
			c.logger.Info("Late response recorded",
				"request_id", req.ID,
				"assignment_id", assignment.ID,
				"step", assignment.StepNumber)
			return
		}
		assignment.Status = orchestration.AssignmentSucceeded
		assignment.Output = ev.Output
		assignment.CompletedAt = &now
		c.persistAssignment(ctx, assignment)
		st.Status = orchestration.StepSucceeded
		st.Output = ev.Output
		st.Error = ""
		st.FinishedAt = &now
		c.succeeded.Add(1)
		c.collector.AssignmentOutcome(assignment.WorkerType, "succeeded")
		c.logger.Info("Assignment succeeded",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"user_id", req.UserID,
			"service", c.config.ServiceName,
			"assignment_id", assignment.ID,
			"step", assignment.StepNumber,
			"attempt", assignment.Attempt)

	default: // negative response
		c.cancelTimer(assignment.ID)
		if assignment.Status == orchestration.AssignmentDispatched {
			assignment.Status = orchestration.AssignmentFailed
			assignment.Error = ev.Error
			assignment.CompletedAt = &now
			c.persistAssignment(ctx, assignment)
		}
		if !current {
			c.collector.ResponseDropped("late_response")
			return
		}
		c.failed.Add(1)
		c.collector.AssignmentOutcome(assignment.WorkerType, "failed")
		c.logger.Warn("Assignment failed",
			"request_id", req.ID,
			"correlation_id", req.CorrelationID,
			"assignment_id", assignment.ID,
			"step", assignment.StepNumber,
			"attempt", assignment.Attempt,
			"error", ev.Error)
		c.failAttempt(ctx, req, w, step, st, ev.Error, now)
	}

	c.evaluateTermination(ctx, req, w, now)
	w.UpdatedAt = now
	if err := c.persistWorkflow(ctx, w); err != nil {
		c.logger.Error("Failed to persist workflow after event",
			"workflow_id", w.ID,
			"error", err)
		return
	}

	// Newly unblocked steps dispatch in the same pass.
	if !req.Status.Terminal() {
		c.advanceLocked(ctx, w.ID)
	}
}
