package workflow

import (
	"context"
	"errors"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/template"
)

// rollback runs the compensation of every succeeded step, dependents first,
// one at a time. Steps without a compensation stay succeeded. A failing
// compensation is logged and the walk continues.
func (r *run) rollback(ctx context.Context) {
	order, err := r.x.engine.RollbackOrder(r.id)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to compute rollback order", "error", err)

		return
	}

	r.logger.InfoContext(ctx, "rolling back", "steps", order)

	for _, stepID := range order {
		step, ok := r.workflow.Step(stepID)
		if !ok || step.Compensation == nil {
			continue
		}

		logger := r.logger.With("step_id", stepID, "capability", step.Compensation.Capability)

		err := r.compensate(ctx, step)
		if err != nil {
			logger.ErrorContext(ctx, "compensation failed", "error", err)

			continue
		}

		err = r.x.engine.MarkCompensated(ctx, r.id, stepID)
		if err != nil {
			if errors.Is(err, choreoerr.ErrExecutionTerminal) {
				return
			}

			logger.ErrorContext(ctx, "failed to mark step compensated", "error", err)

			continue
		}

		logger.InfoContext(ctx, "step compensated")
	}
}

func (r *run) compensate(ctx context.Context, step *models.WorkflowStep) error {
	comp := step.Compensation

	agent, err := r.x.agents.SelectAgent(comp.Capability)
	if err != nil {
		return err
	}

	state, err := r.x.engine.Get(r.id)
	if err != nil {
		return err
	}

	input, err := template.Substitute(comp.Input, state.Context)
	if err != nil {
		return err
	}

	release, err := r.x.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = r.x.invoke(ctx, r.id, agent, step.ID, comp.Capability, input, step.Timeout, 1)

	return err
}
