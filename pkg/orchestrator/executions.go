package orchestrator

import (
	"context"
	"errors"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
)

// DefineWorkflow validates and stores a definition, then archives it.
// An archive failure is logged; the definition stays active.
func (o *Orchestrator) DefineWorkflow(ctx context.Context, wf *models.Workflow, replace bool) (*models.Workflow, error) {
	stored, err := o.engine.DefineWorkflow(ctx, wf, replace)
	if err != nil {
		return nil, err
	}

	if o.store != nil {
		err = o.store.SaveWorkflow(ctx, stored)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to archive workflow", "workflow_id", stored.ID, "error", err)
		}
	}

	return stored, nil
}

func (o *Orchestrator) GetWorkflow(id string) (*models.Workflow, error) {
	return o.engine.Workflow(id)
}

func (o *Orchestrator) ListWorkflows() []*models.Workflow {
	return o.engine.Workflows()
}

// Trigger creates an execution of the workflow and starts driving it in the
// background. It fails with ErrCapacityExceeded when MaxConcurrentExecutions
// executions are already active.
func (o *Orchestrator) Trigger(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.baseCtx.Err() != nil {
		return nil, choreoerr.Newf("trigger", workflowID, choreoerr.ErrCapacityExceeded, "orchestrator is shutting down")
	}

	limit := o.Config().MaxConcurrentExecutions
	if len(o.runs) >= limit {
		return nil, choreoerr.Newf("trigger", workflowID, choreoerr.ErrCapacityExceeded,
			"%d executions already active", len(o.runs))
	}

	exec, err := o.engine.CreateExecution(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.runs[exec.ID] = cancel
	o.wg.Add(1)

	go o.drive(runCtx, exec.ID)

	return exec, nil
}

func (o *Orchestrator) drive(ctx context.Context, id string) {
	defer o.wg.Done()

	defer func() {
		o.runMu.Lock()
		cancel := o.runs[id]
		delete(o.runs, id)
		o.runMu.Unlock()

		if cancel != nil {
			cancel()
		}
	}()

	err := o.executor.Run(ctx, id)
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.ErrorContext(ctx, "execution driver stopped", "execution_id", id, "error", err)
	}

	o.archive(id)
}

// archive saves the execution snapshot. It runs after the driver returns,
// outside every engine lock.
func (o *Orchestrator) archive(id string) {
	if o.store == nil {
		return
	}

	exec, err := o.engine.Get(id)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err = o.store.SaveExecution(ctx, exec)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to archive execution", "execution_id", id, "error", err)
	}
}

// Wait blocks until the execution is terminal or ctx ends and returns its final state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	done, err := o.engine.Done(id)
	if err != nil {
		if errors.Is(err, choreoerr.ErrExecutionNotFound) {
			return o.archived(ctx, id, err)
		}

		return nil, err
	}

	select {
	case <-done:
		return o.engine.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops an execution. In-flight step results are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.engine.Cancel(ctx, id)
}

// GetExecution returns the live state, or the archived snapshot once the
// execution has been purged from memory.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	exec, err := o.engine.Get(id)
	if err == nil {
		return exec, nil
	}

	if errors.Is(err, choreoerr.ErrExecutionNotFound) {
		return o.archived(ctx, id, err)
	}

	return nil, err
}

func (o *Orchestrator) archived(ctx context.Context, id string, notFound error) (*models.WorkflowExecution, error) {
	if o.store == nil {
		return nil, notFound
	}

	exec, err := o.store.ExecutionByID(ctx, id)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, notFound
		}

		return nil, err
	}

	return exec, nil
}

// ListExecutions returns live executions in creation order followed by
// archived ones no longer held in memory.
func (o *Orchestrator) ListExecutions(ctx context.Context, filter choreography.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	live := o.engine.List(filter)
	if o.store == nil {
		return live, nil
	}

	stored, err := o.store.Executions(ctx, persistence.ExecutionQuery{WorkflowID: filter.WorkflowID, Status: filter.Status})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(live))
	for _, exec := range live {
		seen[exec.ID] = true
	}

	for _, exec := range stored {
		if !seen[exec.ID] {
			live = append(live, exec)
		}
	}

	return live, nil
}

// PurgeExecution forgets a finished execution, in memory and in the archive.
func (o *Orchestrator) PurgeExecution(ctx context.Context, id string) error {
	err := o.engine.Purge(id)
	if err != nil && !errors.Is(err, choreoerr.ErrExecutionNotFound) {
		return err
	}

	if o.store == nil {
		return err
	}

	if err != nil {
		_, lookupErr := o.store.ExecutionByID(ctx, id)
		if lookupErr != nil {
			return err
		}
	}

	return o.store.DeleteExecution(ctx, id)
}
