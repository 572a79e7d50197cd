package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
)

// ExecutionRepository handles execution snapshot database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save upserts the execution snapshot.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	snapshot, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	var errorMessage sql.NullString
	if execution.Error != "" {
		errorMessage = sql.NullString{String: execution.Error, Valid: true}
	}

	query := `
		INSERT INTO executions (id, workflow_id, workflow_version, status, error_message, snapshot, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , error_message = EXCLUDED.error_message
		  , snapshot = EXCLUDED.snapshot
		  , completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		string(execution.Status),
		errorMessage,
		snapshot,
		execution.CreatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT snapshot FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

// Find returns matching snapshots ordered by creation time.
func (r *ExecutionRepository) Find(ctx context.Context, query persistence.ExecutionQuery) ([]*models.WorkflowExecution, error) {
	sqlQuery := `
		SELECT
			snapshot
		FROM executions
		WHERE ($1 = '' OR workflow_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, sqlQuery, query.WorkflowID, string(query.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// Delete removes an execution snapshot. Deleting a missing snapshot is not an error.
func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE id = $1`, id)
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var snapshot []byte

	err := row.Scan(&snapshot)
	if err != nil {
		return nil, err
	}

	var execution models.WorkflowExecution

	err = json.Unmarshal(snapshot, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution snapshot: %w", err)
	}

	return &execution, nil
}
