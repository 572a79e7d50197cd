package choreoerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	err := Newf("DefineWorkflow", "wf-1", ErrInvalidWorkflow, "cycle %s", "A -> B -> A")

	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.NotErrorIs(t, err, ErrWorkflowExists)
	assert.Equal(t, "DefineWorkflow wf-1: invalid workflow: cycle A -> B -> A", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidWorkflow)
}

func TestWorkflowNotFound_MatchesNotFound(t *testing.T) {
	t.Parallel()

	err := New("CreateExecution", "missing", ErrWorkflowNotFound)

	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "WorkflowNotFound", Kind(err))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(ErrStepTimeout))
	assert.True(t, Retryable(ErrNoAgentAvailable))
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.False(t, Retryable(New("Eval", "s", ErrConditionEvaluation)))
	assert.False(t, Retryable(ErrUnboundVariable))
	assert.False(t, Retryable(ErrInvalidInput))
}

func TestKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CapacityExceeded", Kind(ErrCapacityExceeded))
	assert.Equal(t, "NotFound", Kind(New("Deregister", "a", ErrNotFound)))
	assert.Equal(t, "Error", Kind(errors.New("boom")))

	timedOut := fmt.Errorf("%w after 3 attempts: %w", ErrRetriesExhausted, ErrStepTimeout)
	assert.Equal(t, "StepTimeout", Kind(timedOut))
	assert.ErrorIs(t, timedOut, ErrRetriesExhausted)

	noAgent := fmt.Errorf("%w after 2 attempts: %w", ErrRetriesExhausted, New("select agent", "ocr", ErrNoAgentAvailable))
	assert.Equal(t, "NoAgentAvailable", Kind(noAgent))

	exhausted := fmt.Errorf("%w after 3 attempts: %w", ErrRetriesExhausted, errors.New("upstream unavailable"))
	assert.Equal(t, "RetriesExhausted", Kind(exhausted))
}

func TestClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidationError(ErrInvalidWorkflow))
	assert.True(t, IsConflictError(ErrWorkflowExists))
	assert.True(t, IsConflictError(ErrDuplicateAgent))
	assert.False(t, IsConflictError(ErrNotFound))
}
