package persistence

import (
	"errors"
	"fmt"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
)

// Standard persistence error kinds that all implementations use. They wrap the
// orchestrator kinds so callers can match either.
var (
	ErrWorkflowNotFound  = choreoerr.ErrWorkflowNotFound
	ErrExecutionNotFound = choreoerr.ErrExecutionNotFound

	// ErrInvalidID indicates an identifier that cannot be stored safely.
	ErrInvalidID = errors.New("invalid identifier")
)

// StoreError wraps a persistence failure with the entity it concerned.
type StoreError struct {
	Op      string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Entity  string // "workflow" or "execution"
	ID      string
	Err     error
	Message string
}

func (e *StoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %s (%v)", e.Op, e.Entity, e.ID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *StoreError {
	return &StoreError{Op: op, Entity: "workflow", ID: workflowID, Err: err}
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *StoreError {
	return &StoreError{Op: op, Entity: "execution", ID: executionID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}
