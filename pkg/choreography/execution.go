package choreography

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

// execution pairs mutable state with the immutable workflow snapshot it runs.
// Every mutation holds mu, so merges from concurrent steps never interleave.
type execution struct {
	mu       sync.Mutex
	state    *models.WorkflowExecution
	workflow *models.Workflow
	graph    *graph
	done     chan struct{}
}

// StepOutcome is the result of one step as reported by the executor.
type StepOutcome struct {
	Output  map[string]any
	Err     error
	AgentID string
	Attempt int // attempts made, including ones that failed before reaching an agent
}

func Succeeded(agentID string, output map[string]any) StepOutcome {
	return StepOutcome{AgentID: agentID, Output: output}
}

func Failed(err error) StepOutcome {
	return StepOutcome{Err: err}
}

// StepFailure is a step whose condition could not be evaluated.
type StepFailure struct {
	StepID string
	Err    error
}

// Eligibility is the answer of EligibleSteps.
type Eligibility struct {
	Ready  []string      // moved to eligible, in topological order
	Failed []StepFailure // condition errors; not retried
}

func (x *execution) satisfied(stepID string) bool {
	st := x.state.Steps[stepID]

	switch st.Status {
	case models.StepStatusSucceeded, models.StepStatusSkipped:
		return true
	case models.StepStatusFailed:
		if st.ResolvedBy == "" {
			return false
		}

		fb := x.state.Steps[st.ResolvedBy]

		return fb.Status == models.StepStatusSucceeded || fb.Status == models.StepStatusSkipped
	default:
		return false
	}
}

func (x *execution) depsSatisfied(step *models.WorkflowStep) bool {
	for _, dep := range step.DependsOn {
		if !x.satisfied(dep) {
			return false
		}
	}

	return true
}

// dormant reports whether the step is a fallback that nothing has injected.
func (x *execution) dormant(step *models.WorkflowStep) bool {
	return step.Fallback && !x.state.Steps[step.ID].Injected
}

func (x *execution) finish(status models.ExecutionStatus, cause string, now time.Time) {
	x.state.Status = status
	x.state.Error = cause
	x.state.CompletedAt = &now
	close(x.done)
}

func (e *Engine) locked(op, id string) (*execution, func(), error) {
	exec, err := e.execution(op, id)
	if err != nil {
		return nil, nil, err
	}

	exec.mu.Lock()

	return exec, exec.mu.Unlock, nil
}

func (x *execution) stepFor(op, stepID string) (*models.StepExecution, *models.WorkflowStep, error) {
	step, ok := x.graph.steps[stepID]
	if !ok {
		return nil, nil, choreoerr.Newf(op, x.state.ID, choreoerr.ErrNotFound, "step %q", stepID)
	}

	return x.state.Steps[stepID], step, nil
}

// Start moves a pending execution to running.
func (e *Engine) Start(ctx context.Context, id string) error {
	exec, unlock, err := e.locked("start execution", id)
	if err != nil {
		return err
	}
	defer unlock()

	switch {
	case exec.state.Status.Terminal():
		return choreoerr.New("start execution", id, choreoerr.ErrExecutionTerminal)
	case exec.state.Status == models.ExecutionStatusRunning:
		return nil
	}

	now := e.now().UTC()
	exec.state.Status = models.ExecutionStatusRunning
	exec.state.StartedAt = &now

	e.publish(ctx, events.WorkflowStartedEvent, id, map[string]any{
		"workflow_id":      exec.state.WorkflowID,
		"workflow_version": exec.state.WorkflowVersion,
	})

	return nil
}

// EligibleSteps moves every pending step whose dependencies are satisfied and
// whose condition holds to eligible. A false condition leaves the step pending.
func (e *Engine) EligibleSteps(ctx context.Context, id string) (Eligibility, error) {
	exec, unlock, err := e.locked("eligible steps", id)
	if err != nil {
		return Eligibility{}, err
	}
	defer unlock()

	var result Eligibility

	if exec.state.Status.Terminal() {
		return result, nil
	}

	for _, stepID := range exec.graph.order {
		st := exec.state.Steps[stepID]
		step := exec.graph.steps[stepID]

		if st.Status != models.StepStatusPending || exec.dormant(step) || !exec.depsSatisfied(step) {
			continue
		}

		ok, err := step.Condition.Evaluate(exec.state.Context)
		if err != nil {
			result.Failed = append(result.Failed, StepFailure{
				StepID: stepID,
				Err:    &choreoerr.Error{Op: "evaluate condition", ID: stepID, Err: err},
			})

			continue
		}

		if !ok {
			continue
		}

		st.Status = models.StepStatusEligible
		result.Ready = append(result.Ready, stepID)
	}

	if len(result.Ready) > 0 {
		e.logger.DebugContext(ctx, "steps eligible", "execution_id", id, "steps", result.Ready)
	}

	return result, nil
}

// MarkDispatched records that attempt number attempt of the step was handed to an agent.
func (e *Engine) MarkDispatched(ctx context.Context, id, stepID, agentID string, attempt int) error {
	exec, unlock, err := e.locked("mark dispatched", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("mark dispatched", id, choreoerr.ErrExecutionTerminal)
	}

	st, step, err := exec.stepFor("mark dispatched", stepID)
	if err != nil {
		return err
	}

	if st.Status != models.StepStatusEligible && st.Status != models.StepStatusDispatched {
		return fmt.Errorf("step %s cannot be dispatched from status %s", stepID, st.Status)
	}

	if !exec.depsSatisfied(step) {
		return fmt.Errorf("step %s dispatched before its dependencies finished", stepID)
	}

	now := e.now().UTC()
	if st.StartedAt == nil {
		st.StartedAt = &now
	}

	st.Status = models.StepStatusDispatched
	st.Attempts = attempt
	st.AgentID = agentID
	st.NextAttemptAt = nil

	e.publish(ctx, events.StepDispatchedEvent, id, map[string]any{
		"step_id":    stepID,
		"capability": step.Capability,
		"agent_id":   agentID,
		"attempt":    attempt,
	})

	return nil
}

// RecordAttemptFailure notes a failed attempt that will be retried at next.
// The step keeps its status while it waits.
func (e *Engine) RecordAttemptFailure(ctx context.Context, id, stepID string, attempt int, cause error, next time.Time) error {
	exec, unlock, err := e.locked("record attempt failure", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("record attempt failure", id, choreoerr.ErrExecutionTerminal)
	}

	st, _, err := exec.stepFor("record attempt failure", stepID)
	if err != nil {
		return err
	}

	if st.Status.Terminal() {
		return nil
	}

	next = next.UTC()
	st.Attempts = attempt
	st.LastError = cause.Error()
	st.ErrorKind = choreoerr.Kind(cause)
	st.NextAttemptAt = &next

	e.publish(ctx, events.StepRetryScheduledEvent, id, map[string]any{
		"step_id":         stepID,
		"attempt":         attempt,
		"error":           st.LastError,
		"error_kind":      st.ErrorKind,
		"next_attempt_at": next,
	})

	return nil
}

// RecordStepResult applies a final outcome. Outputs of a success are merged
// into the context under the step id. Calling it for a step that already
// finished changes nothing and reports false.
func (e *Engine) RecordStepResult(ctx context.Context, id, stepID string, outcome StepOutcome) (bool, error) {
	exec, unlock, err := e.locked("record step result", id)
	if err != nil {
		return false, err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return false, choreoerr.New("record step result", id, choreoerr.ErrExecutionTerminal)
	}

	st, step, err := exec.stepFor("record step result", stepID)
	if err != nil {
		return false, err
	}

	if st.Status.Terminal() {
		return false, nil
	}

	now := e.now().UTC()
	st.EndedAt = &now
	st.NextAttemptAt = nil

	if outcome.AgentID != "" {
		st.AgentID = outcome.AgentID
	}

	if outcome.Attempt > st.Attempts {
		st.Attempts = outcome.Attempt
	}

	if outcome.Err != nil {
		st.Status = models.StepStatusFailed
		st.LastError = outcome.Err.Error()
		st.ErrorKind = choreoerr.Kind(outcome.Err)

		e.logger.WarnContext(ctx, "step failed",
			"execution_id", id,
			"step_id", stepID,
			"attempts", st.Attempts,
			"error", outcome.Err,
		)

		e.publish(ctx, events.StepFailedEvent, id, map[string]any{
			"step_id":    stepID,
			"capability": step.Capability,
			"attempts":   st.Attempts,
			"error":      st.LastError,
			"error_kind": st.ErrorKind,
		})

		return true, nil
	}

	if !exec.depsSatisfied(step) {
		return false, fmt.Errorf("step %s succeeded before its dependencies finished", stepID)
	}

	output := models.CopyMap(outcome.Output)
	if output == nil {
		output = map[string]any{}
	}

	st.Status = models.StepStatusSucceeded
	st.Result = output
	st.LastError = ""
	st.ErrorKind = ""
	exec.state.Context[stepID] = models.CopyMap(output)

	e.publish(ctx, events.StepSucceededEvent, id, map[string]any{
		"step_id":     stepID,
		"capability":  step.Capability,
		"agent_id":    st.AgentID,
		"attempts":    st.Attempts,
		"duration_ms": st.Duration().Milliseconds(),
		"duration_ns": st.Duration().Nanoseconds(),
	})

	e.completeIfDone(ctx, exec)

	return true, nil
}

// MarkSkipped finishes a step as skipped so its dependents may still run.
func (e *Engine) MarkSkipped(ctx context.Context, id, stepID, reason string) error {
	exec, unlock, err := e.locked("mark skipped", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("mark skipped", id, choreoerr.ErrExecutionTerminal)
	}

	st, _, err := exec.stepFor("mark skipped", stepID)
	if err != nil {
		return err
	}

	if st.Status.Terminal() {
		return nil
	}

	e.skip(ctx, exec, st, reason)
	e.completeIfDone(ctx, exec)

	return nil
}

func (e *Engine) skip(ctx context.Context, exec *execution, st *models.StepExecution, reason string) {
	now := e.now().UTC()
	st.Status = models.StepStatusSkipped
	st.EndedAt = &now
	st.NextAttemptAt = nil

	if reason != "" {
		st.LastError = reason
	}

	e.publish(ctx, events.StepSkippedEvent, exec.state.ID, map[string]any{
		"step_id": st.StepID,
		"reason":  reason,
	})
}

// InjectFallback activates fallbackID in place of the failed step. Dependents
// of the failed step proceed once the fallback finishes.
func (e *Engine) InjectFallback(ctx context.Context, id, failedStepID, fallbackID string) error {
	exec, unlock, err := e.locked("inject fallback", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("inject fallback", id, choreoerr.ErrExecutionTerminal)
	}

	failed, _, err := exec.stepFor("inject fallback", failedStepID)
	if err != nil {
		return err
	}

	fallback, _, err := exec.stepFor("inject fallback", fallbackID)
	if err != nil {
		return err
	}

	if failed.Status != models.StepStatusFailed {
		return fmt.Errorf("step %s has not failed", failedStepID)
	}

	fallback.Injected = true
	failed.ResolvedBy = fallbackID

	e.logger.InfoContext(ctx, "fallback step injected",
		"execution_id", id,
		"failed_step_id", failedStepID,
		"fallback_step_id", fallbackID,
	)

	e.completeIfDone(ctx, exec)

	return nil
}

// MarkCompensated records that a succeeded step was undone during rollback.
func (e *Engine) MarkCompensated(ctx context.Context, id, stepID string) error {
	exec, unlock, err := e.locked("mark compensated", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("mark compensated", id, choreoerr.ErrExecutionTerminal)
	}

	st, _, err := exec.stepFor("mark compensated", stepID)
	if err != nil {
		return err
	}

	if st.Status != models.StepStatusSucceeded {
		return fmt.Errorf("step %s cannot be compensated from status %s", stepID, st.Status)
	}

	st.Status = models.StepStatusCompensated

	e.publish(ctx, events.StepCompensatedEvent, id, map[string]any{"step_id": stepID})

	return nil
}

// Settle skips pending steps that are ready except for a false condition.
// It is called once nothing else can progress and returns how many it skipped.
func (e *Engine) Settle(ctx context.Context, id string) (int, error) {
	exec, unlock, err := e.locked("settle", id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return 0, nil
	}

	skipped := 0

	for _, stepID := range exec.graph.order {
		st := exec.state.Steps[stepID]
		step := exec.graph.steps[stepID]

		if st.Status != models.StepStatusPending || exec.dormant(step) || !exec.depsSatisfied(step) {
			continue
		}

		ok, err := step.Condition.Evaluate(exec.state.Context)
		if err != nil || ok {
			continue
		}

		e.skip(ctx, exec, st, "condition not met")
		skipped++
	}

	e.completeIfDone(ctx, exec)

	return skipped, nil
}

// Finish moves the execution to a terminal status.
func (e *Engine) Finish(ctx context.Context, id string, status models.ExecutionStatus, cause string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	exec, unlock, err := e.locked("finish execution", id)
	if err != nil {
		return err
	}
	defer unlock()

	if exec.state.Status.Terminal() {
		return choreoerr.New("finish execution", id, choreoerr.ErrExecutionTerminal)
	}

	exec.finish(status, cause, e.now().UTC())

	e.logger.InfoContext(ctx, "execution finished",
		"execution_id", id,
		"workflow_id", exec.state.WorkflowID,
		"status", status,
		"error", cause,
	)

	payload := map[string]any{
		"workflow_id": exec.state.WorkflowID,
		"status":      string(status),
	}
	if cause != "" {
		payload["error"] = cause
	}

	switch status {
	case models.ExecutionStatusCompleted:
		e.publish(ctx, events.WorkflowCompletedEvent, id, payload)
	case models.ExecutionStatusRolledBack:
		e.publish(ctx, events.ExecutionRolledBackEvent, id, payload)
	case models.ExecutionStatusCancelled:
		e.publish(ctx, events.ExecutionCancelledEvent, id, payload)
	default:
		e.publish(ctx, events.WorkflowFailedEvent, id, payload)
	}

	return nil
}

// Cancel stops the execution. Results of in-flight steps are discarded when they return.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.Finish(ctx, id, models.ExecutionStatusCancelled, "cancelled")
}

// completeIfDone finishes the execution as completed once every step has
// succeeded, been skipped or been replaced by a finished fallback. Fallback
// steps nobody injected are skipped at that point. Caller holds exec.mu.
func (e *Engine) completeIfDone(ctx context.Context, exec *execution) {
	if exec.state.Status.Terminal() {
		return
	}

	var dormant []*models.StepExecution

	for _, stepID := range exec.graph.order {
		if exec.dormant(exec.graph.steps[stepID]) && exec.state.Steps[stepID].Status == models.StepStatusPending {
			dormant = append(dormant, exec.state.Steps[stepID])

			continue
		}

		if !exec.satisfied(stepID) {
			return
		}
	}

	for _, st := range dormant {
		e.skip(ctx, exec, st, "fallback not needed")
	}

	exec.finish(models.ExecutionStatusCompleted, "", e.now().UTC())

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", exec.state.ID,
		"workflow_id", exec.state.WorkflowID,
	)

	e.publish(ctx, events.WorkflowCompletedEvent, exec.state.ID, map[string]any{
		"workflow_id": exec.state.WorkflowID,
		"status":      string(models.ExecutionStatusCompleted),
	})
}
