// Package models defines the core domain models for agent workflow choreography
package models

import "time"

// ErrorStrategy decides what happens to an execution once a step fails irrecoverably.
type ErrorStrategy string

const (
	ErrorStrategyStopAll             ErrorStrategy = "stop-all"             // Halt everything still pending
	ErrorStrategyContinueIndependent ErrorStrategy = "continue-independent" // Keep running unrelated branches
	ErrorStrategyRollback            ErrorStrategy = "rollback"             // Halt and compensate succeeded steps
)

// Workflow is a versioned DAG of steps.
type Workflow struct {
	ID            string          `json:"id"                       validate:"required"`
	Name          string          `json:"name"                     validate:"required"`
	Version       int             `json:"version"                  validate:"min=0"`
	Description   string          `json:"description,omitempty"`
	Steps         []*WorkflowStep `json:"steps"                    validate:"required,min=1,dive,required"`
	ErrorStrategy ErrorStrategy   `json:"error_strategy,omitempty" validate:"omitempty,oneof=stop-all continue-independent rollback"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Strategy returns the error strategy, defaulting to stop-all.
func (w *Workflow) Strategy() ErrorStrategy {
	if w.ErrorStrategy == "" {
		return ErrorStrategyStopAll
	}

	return w.ErrorStrategy
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*WorkflowStep, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}

	return nil, false
}

// Clone returns a deep copy, used to bind an immutable snapshot to executions.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}

	cp := *w
	cp.Metadata = CopyMap(w.Metadata)
	cp.Steps = make([]*WorkflowStep, len(w.Steps))

	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}

	return &cp
}
