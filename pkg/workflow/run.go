package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/template"
)

type attemptResult struct {
	stepID    string
	attempt   int
	agentID   string
	output    map[string]any
	err       error
	discarded bool // never reached an agent because the execution stopped dispatching
}

// run is the state of one Executor.Run loop. Everything except mu and halted
// is owned by the loop goroutine.
type run struct {
	x        *Executor
	id       string
	workflow *models.Workflow
	logger   *slog.Logger
	done     <-chan struct{}

	results chan attemptResult
	retries chan string

	attempts map[string]int
	timers   map[string]*time.Timer
	inflight int

	haltStatus models.ExecutionStatus
	haltCause  string

	// admission is cancelled when the run halts so queued dispatches give up their place.
	admission       context.Context
	cancelAdmission context.CancelFunc

	mu     sync.Mutex
	halted bool
}

func newRun(x *Executor, id string, wf *models.Workflow, done <-chan struct{}) *run {
	admission, cancel := context.WithCancel(context.Background())

	return &run{
		x:               x,
		id:              id,
		workflow:        wf,
		logger:          x.logger.With("execution_id", id, "workflow_id", wf.ID),
		done:            done,
		results:         make(chan attemptResult, len(wf.Steps)),
		retries:         make(chan string, len(wf.Steps)),
		attempts:        make(map[string]int, len(wf.Steps)),
		timers:          make(map[string]*time.Timer),
		admission:       admission,
		cancelAdmission: cancel,
	}
}

func (r *run) close() {
	r.cancelAdmission()

	for stepID, timer := range r.timers {
		timer.Stop()
		delete(r.timers, stepID)
	}
}

func (r *run) loop(ctx context.Context) error {
	for {
		if r.haltStatus == "" {
			err := r.schedule(ctx)
			if err != nil {
				return err
			}
		}

		if r.inflight == 0 {
			if r.haltStatus != "" {
				return r.finishHalted(ctx)
			}

			progressed, err := r.settle(ctx)
			if err != nil {
				return err
			}

			if progressed {
				continue
			}

			return r.finishStuck(ctx)
		}

		select {
		case res := <-r.results:
			r.inflight--
			r.handle(ctx, res)
		case stepID := <-r.retries:
			r.inflight--
			delete(r.timers, stepID)

			if r.haltStatus == "" {
				r.dispatch(ctx, stepID)
			}
		case <-r.done:
			r.logger.InfoContext(ctx, "execution stopped", "in_flight", r.inflight)

			return nil
		case <-ctx.Done():
			r.logger.WarnContext(ctx, "execution loop abandoned", "error", ctx.Err())

			return ctx.Err()
		}
	}
}

// schedule dispatches every step that just became eligible.
func (r *run) schedule(ctx context.Context) error {
	eligibility, err := r.x.engine.EligibleSteps(ctx, r.id)
	if err != nil {
		return err
	}

	for _, failure := range eligibility.Failed {
		r.fail(ctx, failure.StepID, 0, failure.Err)
	}

	for _, stepID := range eligibility.Ready {
		if r.haltStatus != "" {
			break
		}

		r.dispatch(ctx, stepID)
	}

	return nil
}

func (r *run) dispatch(ctx context.Context, stepID string) {
	step, ok := r.workflow.Step(stepID)
	if !ok {
		return
	}

	r.attempts[stepID]++
	r.inflight++

	go func(attempt int) {
		r.results <- r.attempt(ctx, step, attempt)
	}(r.attempts[stepID])
}

// attempt resolves an agent and the step input, waits for admission and calls the agent.
func (r *run) attempt(ctx context.Context, step *models.WorkflowStep, attempt int) attemptResult {
	res := attemptResult{stepID: step.ID, attempt: attempt}

	agent, err := r.x.agents.SelectAgent(step.Capability)
	if err != nil {
		res.err = err

		return res
	}

	res.agentID = agent.ID

	state, err := r.x.engine.Get(r.id)
	if err != nil {
		res.discarded = true

		return res
	}

	input, err := template.Substitute(step.Input, state.Context)
	if err != nil {
		res.err = err

		return res
	}

	if capability, ok := agent.Capability(step.Capability); ok {
		err = validateInput(step.ID, capability.InputSchema, input)
		if err != nil {
			res.err = err

			return res
		}
	}

	release, err := r.x.gate.Acquire(r.admission)
	if err != nil {
		res.discarded = true

		return res
	}
	defer release()

	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()

		res.discarded = true

		return res
	}

	err = r.x.engine.MarkDispatched(ctx, r.id, step.ID, agent.ID, attempt)
	r.mu.Unlock()

	if err != nil {
		if !errors.Is(err, choreoerr.ErrExecutionTerminal) {
			r.logger.ErrorContext(ctx, "failed to mark step dispatched", "step_id", step.ID, "error", err)
		}

		res.discarded = true

		return res
	}

	res.output, res.err = r.x.invoke(ctx, r.id, agent, step.ID, step.Capability, input, step.Timeout, attempt)

	return res
}

func (r *run) handle(ctx context.Context, res attemptResult) {
	if res.discarded {
		return
	}

	logger := r.logger.With("step_id", res.stepID, "attempt", res.attempt)

	if res.err == nil {
		_, err := r.x.engine.RecordStepResult(ctx, r.id, res.stepID, choreography.Succeeded(res.agentID, res.output))
		if err != nil && !errors.Is(err, choreoerr.ErrExecutionTerminal) {
			logger.ErrorContext(ctx, "failed to record step result", "error", err)
		}

		return
	}

	step, _ := r.workflow.Step(res.stepID)
	retryable := choreoerr.Retryable(res.err)

	if r.haltStatus == "" && retryable && res.attempt < step.Retry.Attempts() {
		delay := RetryDelay(step.Retry, res.attempt)

		err := r.x.engine.RecordAttemptFailure(ctx, r.id, res.stepID, res.attempt, res.err, time.Now().Add(delay))
		if err != nil {
			if !errors.Is(err, choreoerr.ErrExecutionTerminal) {
				logger.ErrorContext(ctx, "failed to record attempt failure", "error", err)
			}

			return
		}

		logger.WarnContext(ctx, "step attempt failed, retrying", "delay", delay, "error", res.err)
		r.scheduleRetry(res.stepID, delay)

		return
	}

	cause := res.err
	if retryable {
		cause = fmt.Errorf("%w after %d attempts: %w", choreoerr.ErrRetriesExhausted, res.attempt, res.err)
	}

	r.fail(ctx, res.stepID, res.attempt, cause)
}

func (r *run) scheduleRetry(stepID string, delay time.Duration) {
	r.inflight++
	r.timers[stepID] = time.AfterFunc(delay, func() {
		r.retries <- stepID
	})
}

// fail resolves a step that will not be attempted again: its error handler
// runs first, then the workflow error strategy.
func (r *run) fail(ctx context.Context, stepID string, attempt int, cause error) {
	step, _ := r.workflow.Step(stepID)
	logger := r.logger.With("step_id", stepID)

	if r.haltStatus != "" {
		r.recordFailure(ctx, stepID, attempt, cause)

		return
	}

	handler := step.OnError
	if handler != nil && handler.Action == models.ErrorActionSkip {
		logger.WarnContext(ctx, "step failed, skipping", "error", cause)

		err := r.x.engine.MarkSkipped(ctx, r.id, stepID, cause.Error())
		if err != nil && !errors.Is(err, choreoerr.ErrExecutionTerminal) {
			logger.ErrorContext(ctx, "failed to skip step", "error", err)
		}

		return
	}

	if !r.recordFailure(ctx, stepID, attempt, cause) {
		return
	}

	if handler != nil {
		switch handler.Action {
		case models.ErrorActionFallback:
			err := r.x.engine.InjectFallback(ctx, r.id, stepID, handler.FallbackStepID)
			if err == nil {
				return
			}

			logger.ErrorContext(ctx, "failed to inject fallback step", "fallback_step_id", handler.FallbackStepID, "error", err)
		case models.ErrorActionCallback:
			r.x.publish(ctx, events.StepCallbackEvent, r.id, map[string]any{
				"step_id":    stepID,
				"callback":   handler.Callback,
				"error":      cause.Error(),
				"error_kind": choreoerr.Kind(cause),
			})
		}
	}

	r.applyStrategy(ctx, stepID, cause)
}

func (r *run) recordFailure(ctx context.Context, stepID string, attempt int, cause error) bool {
	outcome := choreography.Failed(cause)
	outcome.Attempt = attempt

	recorded, err := r.x.engine.RecordStepResult(ctx, r.id, stepID, outcome)
	if err != nil {
		if !errors.Is(err, choreoerr.ErrExecutionTerminal) {
			r.logger.ErrorContext(ctx, "failed to record step failure", "step_id", stepID, "error", err)
		}

		return false
	}

	return recorded
}

func (r *run) applyStrategy(ctx context.Context, stepID string, cause error) {
	switch r.workflow.Strategy() {
	case models.ErrorStrategyContinueIndependent:
		blocked, _ := r.x.engine.Blocked(r.id, stepID)
		r.logger.WarnContext(ctx, "step failed, continuing independent steps", "step_id", stepID, "blocked_steps", blocked)
	case models.ErrorStrategyRollback:
		if r.x.settings().RollbackEnabled {
			r.halt(ctx, models.ExecutionStatusRolledBack, stepID, cause)

			return
		}

		r.logger.WarnContext(ctx, "rollback disabled, stopping instead", "step_id", stepID)
		r.halt(ctx, models.ExecutionStatusFailed, stepID, cause)
	default:
		r.halt(ctx, models.ExecutionStatusFailed, stepID, cause)
	}
}

// halt stops all new dispatch. In-flight calls are allowed to finish.
func (r *run) halt(ctx context.Context, status models.ExecutionStatus, stepID string, cause error) {
	r.mu.Lock()
	r.halted = true
	r.mu.Unlock()

	r.haltStatus = status
	r.haltCause = fmt.Sprintf("step %s: %v", stepID, cause)
	r.cancelAdmission()

	for id, timer := range r.timers {
		if timer.Stop() {
			r.inflight--
		}

		delete(r.timers, id)
	}

	r.logger.WarnContext(ctx, "halting execution", "step_id", stepID, "status", status, "in_flight", r.inflight)
}

func (r *run) settle(ctx context.Context) (bool, error) {
	skipped, err := r.x.engine.Settle(ctx, r.id)
	if err != nil {
		return false, err
	}

	return skipped > 0, nil
}

func (r *run) finishHalted(ctx context.Context) error {
	if r.haltStatus == models.ExecutionStatusRolledBack {
		r.rollback(ctx)
	}

	return r.finish(ctx, r.haltStatus, r.haltCause)
}

// finishStuck ends an execution in which nothing can run any more, which
// happens when continue-independent leaves steps blocked behind a failure.
func (r *run) finishStuck(ctx context.Context) error {
	state, err := r.x.engine.Get(r.id)
	if err != nil {
		return err
	}

	if state.Status.Terminal() {
		return nil
	}

	var failed []string

	for _, step := range r.workflow.Steps {
		if state.Steps[step.ID].Status == models.StepStatusFailed {
			failed = append(failed, step.ID)
		}
	}

	cause := "no step can make progress"
	if len(failed) > 0 {
		cause = "failed steps: " + strings.Join(failed, ", ")
	}

	return r.finish(ctx, models.ExecutionStatusFailed, cause)
}

func (r *run) finish(ctx context.Context, status models.ExecutionStatus, cause string) error {
	err := r.x.engine.Finish(ctx, r.id, status, cause)
	if err != nil && !errors.Is(err, choreoerr.ErrExecutionTerminal) {
		return err
	}

	return nil
}
