package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
)

// ExecutionRepository handles execution snapshot file operations.
type ExecutionRepository struct {
	files jsonDir
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{files: jsonDir{dir: filepath.Join(root, "executions")}}
}

// Save writes the snapshot, overwriting the previous one for the same execution.
func (er *ExecutionRepository) Save(_ context.Context, execution *models.WorkflowExecution) error {
	err := er.files.write(execution.ID, execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

// GetByID retrieves an execution snapshot by its ID.
func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := er.files.read(id, &execution)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &execution, nil
}

// Find returns matching snapshots ordered by creation time.
func (er *ExecutionRepository) Find(ctx context.Context, query persistence.ExecutionQuery) ([]*models.WorkflowExecution, error) {
	ids, err := er.files.ids()
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := er.GetByID(ctx, id)
		if err != nil {
			// Skip invalid files
			continue
		}

		if query.Matches(execution) {
			executions = append(executions, execution)
		}
	}

	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}

// Delete removes an execution snapshot. Deleting a missing snapshot is not an error.
func (er *ExecutionRepository) Delete(_ context.Context, id string) error {
	err := er.files.remove(id)
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}
