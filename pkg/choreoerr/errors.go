// Package choreoerr provides the error kinds shared by the choreography core.
package choreoerr

import (
	"errors"
	"fmt"
)

// Error kinds. Callers compare with errors.Is.
var (
	// ErrDuplicateAgent indicates an agent with the same identity is already registered and live.
	ErrDuplicateAgent = errors.New("duplicate agent")

	// ErrNotFound indicates an agent, workflow, execution or subscription is unknown.
	ErrNotFound = errors.New("not found")

	// ErrWorkflowNotFound indicates a workflow lookup failed. It matches ErrNotFound too.
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", ErrNotFound)

	// ErrExecutionNotFound indicates an execution lookup failed. It matches ErrNotFound too.
	ErrExecutionNotFound = fmt.Errorf("execution %w", ErrNotFound)

	// ErrInvalidWorkflow indicates a cycle or a dangling reference in a workflow definition.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrWorkflowExists indicates a workflow id is already defined at the same or a newer version.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrConditionEvaluation indicates an execution condition could not be evaluated.
	ErrConditionEvaluation = errors.New("condition evaluation error")

	// ErrUnboundVariable indicates a template placeholder has no value in the execution context.
	ErrUnboundVariable = errors.New("unbound variable")

	// ErrNoAgentAvailable indicates no online agent offers the required capability.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrStepTimeout indicates an agent invocation exceeded its deadline.
	ErrStepTimeout = errors.New("step timeout")

	// ErrCapacityExceeded indicates the running execution ceiling has been reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrRetriesExhausted indicates a step used its whole attempt budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidInput indicates a step input failed the capability input schema.
	ErrInvalidInput = errors.New("invalid step input")

	// ErrExecutionTerminal indicates an operation targeted an execution that already finished.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrExecutionActive indicates an operation requires a finished execution.
	ErrExecutionActive = errors.New("execution is still active")

	// ErrInvalidConfig indicates a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error wraps an error kind with the operation and subject it happened on.
type Error struct {
	Op      string // Operation being performed (e.g., "Register", "DefineWorkflow")
	ID      string // Subject identifier if applicable
	Message string // Additional context message
	Err     error  // Underlying error kind
}

func (e *Error) Error() string {
	subject := ""
	if e.ID != "" {
		subject = " " + e.ID
	}

	if e.Message != "" {
		return fmt.Sprintf("%s%s: %v: %s", e.Op, subject, e.Err, e.Message)
	}

	return fmt.Sprintf("%s%s: %v", e.Op, subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error comparison against the wrapped kind.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates an error of the given kind.
func New(op, id string, kind error) *Error {
	return &Error{Op: op, ID: id, Err: kind}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(op, id string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, ID: id, Err: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether a step failure may be retried under its retry policy.
// Condition, template and schema failures are deterministic and are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, ErrConditionEvaluation) &&
		!errors.Is(err, ErrUnboundVariable) &&
		!errors.Is(err, ErrInvalidInput)
}

// Kind returns the short name of the first matching error kind, or "Error".
// Cause kinds win over ErrRetriesExhausted, which only wraps them.
func Kind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{ErrDuplicateAgent, "DuplicateAgent"},
		{ErrWorkflowNotFound, "WorkflowNotFound"},
		{ErrExecutionNotFound, "ExecutionNotFound"},
		{ErrNotFound, "NotFound"},
		{ErrInvalidWorkflow, "InvalidWorkflow"},
		{ErrWorkflowExists, "WorkflowExists"},
		{ErrConditionEvaluation, "ConditionEvaluationError"},
		{ErrUnboundVariable, "UnboundVariable"},
		{ErrNoAgentAvailable, "NoAgentAvailable"},
		{ErrStepTimeout, "StepTimeout"},
		{ErrRetriesExhausted, "RetriesExhausted"},
		{ErrCapacityExceeded, "CapacityExceeded"},
		{ErrInvalidInput, "InvalidInput"},
		{ErrExecutionTerminal, "ExecutionTerminal"},
		{ErrExecutionActive, "ExecutionActive"},
		{ErrInvalidConfig, "InvalidConfig"},
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	return "Error"
}

// IsNotFound checks if an error indicates an unknown agent, workflow or execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a definition-time or request validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidWorkflow) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidInput)
}

// IsConflictError checks if an error is a state conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDuplicateAgent) ||
		errors.Is(err, ErrWorkflowExists) ||
		errors.Is(err, ErrExecutionTerminal) ||
		errors.Is(err, ErrExecutionActive)
}
