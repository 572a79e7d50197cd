// Package persistence archives workflow definitions and execution snapshots
// so they survive a restart of the orchestrator.
package persistence

import (
	"context"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

// ExecutionQuery selects archived executions. Zero values match everything.
type ExecutionQuery struct {
	WorkflowID string
	Status     models.ExecutionStatus
}

// Matches reports whether exec satisfies the query.
func (q ExecutionQuery) Matches(exec *models.WorkflowExecution) bool {
	return (q.WorkflowID == "" || exec.WorkflowID == q.WorkflowID) &&
		(q.Status == "" || exec.Status == q.Status)
}

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Executions(ctx context.Context, query ExecutionQuery) ([]*models.WorkflowExecution, error)
	DeleteExecution(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
