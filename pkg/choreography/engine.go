// Package choreography owns workflow definitions and execution state, and
// decides which steps of an execution may run next.
package choreography

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventPublisher receives workflow and step lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event events.ChoreographyEvent)
}

type definition struct {
	workflow *models.Workflow
	graph    *graph
}

type Engine struct {
	logger    *slog.Logger
	publisher EventPublisher
	validate  *validator.Validate
	now       func() time.Time

	mu         sync.RWMutex
	workflows  map[string]*definition
	wfOrder    []string
	executions map[string]*execution
	execOrder  []string
}

type Option func(*Engine)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(logger *slog.Logger, publisher EventPublisher, opts ...Option) *Engine {
	e := &Engine{
		logger:     logger.With("module", "choreography"),
		publisher:  publisher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		workflows:  make(map[string]*definition),
		executions: make(map[string]*execution),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// DefineWorkflow validates and stores a workflow. Redefining an id at the
// same or a lower version fails with ErrWorkflowExists unless replace is set.
// Running executions keep the snapshot they were created with.
func (e *Engine) DefineWorkflow(ctx context.Context, wf *models.Workflow, replace bool) (*models.Workflow, error) {
	if wf == nil {
		return nil, choreoerr.Newf("define workflow", "", choreoerr.ErrInvalidWorkflow, "workflow is required")
	}

	err := e.validate.Struct(wf)
	if err != nil {
		return nil, choreoerr.Newf("define workflow", wf.ID, choreoerr.ErrInvalidWorkflow, "%v", err)
	}

	stored := wf.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = e.now().UTC()
	}

	g, err := buildGraph(stored)
	if err != nil {
		return nil, choreoerr.Newf("define workflow", wf.ID, choreoerr.ErrInvalidWorkflow, "%v", err)
	}

	e.mu.Lock()

	existing, exists := e.workflows[wf.ID]
	if exists && wf.Version <= existing.workflow.Version && !replace {
		e.mu.Unlock()

		return nil, choreoerr.Newf("define workflow", wf.ID, choreoerr.ErrWorkflowExists,
			"version %d already defined", existing.workflow.Version)
	}

	e.workflows[wf.ID] = &definition{workflow: stored, graph: g}
	if !exists {
		e.wfOrder = append(e.wfOrder, wf.ID)
	}

	e.mu.Unlock()

	e.logger.InfoContext(ctx, "workflow defined",
		"workflow_id", wf.ID,
		"version", wf.Version,
		"steps", len(wf.Steps),
		"replaced", exists,
	)

	e.publish(ctx, events.WorkflowDefinedEvent, "", map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"steps":       len(wf.Steps),
		"replaced":    exists,
	})

	return stored.Clone(), nil
}

// Workflow returns a copy of the current definition.
func (e *Engine) Workflow(id string) (*models.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	def, ok := e.workflows[id]
	if !ok {
		return nil, choreoerr.New("get workflow", id, choreoerr.ErrWorkflowNotFound)
	}

	return def.workflow.Clone(), nil
}

// Workflows returns copies of every definition in the order they were first defined.
func (e *Engine) Workflows() []*models.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Workflow, 0, len(e.wfOrder))
	for _, id := range e.wfOrder {
		out = append(out, e.workflows[id].workflow.Clone())
	}

	return out
}

// CreateExecution binds a snapshot of the workflow to a new pending execution.
func (e *Engine) CreateExecution(ctx context.Context, workflowID string, initial map[string]any) (*models.WorkflowExecution, error) {
	e.mu.RLock()
	def, ok := e.workflows[workflowID]
	e.mu.RUnlock()

	if !ok {
		return nil, choreoerr.New("create execution", workflowID, choreoerr.ErrWorkflowNotFound)
	}

	state := &models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      def.workflow.ID,
		WorkflowVersion: def.workflow.Version,
		Context:         models.CopyMap(initial),
		Status:          models.ExecutionStatusPending,
		Steps:           make(map[string]*models.StepExecution, len(def.workflow.Steps)),
		CreatedAt:       e.now().UTC(),
	}

	if state.Context == nil {
		state.Context = map[string]any{}
	}

	for _, step := range def.workflow.Steps {
		state.Steps[step.ID] = &models.StepExecution{StepID: step.ID, Status: models.StepStatusPending}
	}

	exec := &execution{
		state:    state,
		workflow: def.workflow,
		graph:    def.graph,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.executions[state.ID] = exec
	e.execOrder = append(e.execOrder, state.ID)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "execution created",
		"execution_id", state.ID,
		"workflow_id", workflowID,
		"workflow_version", def.workflow.Version,
	)

	return state.Clone(), nil
}

// ExecutionFilter selects executions in List. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string                 `query:"workflow_id"`
	Status     models.ExecutionStatus `query:"status"`
}

// Get returns a copy of the execution state.
func (e *Engine) Get(id string) (*models.WorkflowExecution, error) {
	exec, err := e.execution("get execution", id)
	if err != nil {
		return nil, err
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	return exec.state.Clone(), nil
}

// List returns copies of matching executions in creation order.
func (e *Engine) List(filter ExecutionFilter) []*models.WorkflowExecution {
	e.mu.RLock()
	execs := make([]*execution, 0, len(e.execOrder))

	for _, id := range e.execOrder {
		execs = append(execs, e.executions[id])
	}

	e.mu.RUnlock()

	out := make([]*models.WorkflowExecution, 0, len(execs))

	for _, exec := range execs {
		exec.mu.Lock()

		if (filter.WorkflowID == "" || exec.state.WorkflowID == filter.WorkflowID) &&
			(filter.Status == "" || exec.state.Status == filter.Status) {
			out = append(out, exec.state.Clone())
		}

		exec.mu.Unlock()
	}

	return out
}

// Snapshot returns a copy of the workflow bound to the execution.
func (e *Engine) Snapshot(id string) (*models.Workflow, error) {
	exec, err := e.execution("snapshot", id)
	if err != nil {
		return nil, err
	}

	return exec.workflow.Clone(), nil
}

// Done returns a channel closed once the execution reaches a terminal status.
func (e *Engine) Done(id string) (<-chan struct{}, error) {
	exec, err := e.execution("done", id)
	if err != nil {
		return nil, err
	}

	return exec.done, nil
}

// Purge forgets a finished execution.
func (e *Engine) Purge(id string) error {
	exec, err := e.execution("purge execution", id)
	if err != nil {
		return err
	}

	exec.mu.Lock()
	status := exec.state.Status
	exec.mu.Unlock()

	if !status.Terminal() {
		return choreoerr.New("purge execution", id, choreoerr.ErrExecutionActive)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.executions, id)

	for i, eid := range e.execOrder {
		if eid == id {
			e.execOrder = append(e.execOrder[:i], e.execOrder[i+1:]...)

			break
		}
	}

	return nil
}

// CountByStatus returns how many retained executions are in each status.
func (e *Engine) CountByStatus() map[models.ExecutionStatus]int {
	counts := map[models.ExecutionStatus]int{}

	for _, exec := range e.List(ExecutionFilter{}) {
		counts[exec.Status]++
	}

	return counts
}

func (e *Engine) execution(op, id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, ok := e.executions[id]
	if !ok {
		return nil, choreoerr.New(op, id, choreoerr.ErrExecutionNotFound)
	}

	return exec, nil
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, correlationID string, payload map[string]any) {
	if e.publisher == nil {
		return
	}

	e.publisher.Publish(ctx, events.New(eventType, correlationID, payload))
}

// RollbackOrder returns the succeeded steps of the execution, dependents first.
func (e *Engine) RollbackOrder(id string) ([]string, error) {
	exec, unlock, err := e.locked("rollback order", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []string

	for _, stepID := range exec.graph.reverseOrder() {
		if exec.state.Steps[stepID].Status == models.StepStatusSucceeded {
			out = append(out, stepID)
		}
	}

	return out, nil
}

// Blocked returns the steps that can no longer run because they transitively depend on stepID.
func (e *Engine) Blocked(id, stepID string) ([]string, error) {
	exec, err := e.execution("blocked steps", id)
	if err != nil {
		return nil, err
	}

	return exec.graph.downstream(stepID), nil
}
