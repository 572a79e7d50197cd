package models

import (
	"slices"
	"time"
)

// RetryPolicy bounds how often and how fast a failed step is dispatched again.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"                 validate:"min=0"`
	BaseDelay         time.Duration `json:"base_delay"                   validate:"min=0"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty" validate:"omitempty,min=1"`
	Jitter            bool          `json:"jitter,omitempty"`
}

// Attempts returns the total dispatch budget; a zero policy means a single attempt.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// Multiplier returns the backoff multiplier, defaulting to 2.
func (p RetryPolicy) Multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 2
	}

	return p.BackoffMultiplier
}

// ErrorAction selects how an ErrorHandler resolves an exhausted step.
type ErrorAction string

const (
	ErrorActionSkip     ErrorAction = "skip"
	ErrorActionFallback ErrorAction = "fallback"
	ErrorActionCallback ErrorAction = "callback"
)

// ErrorHandler is consulted once a step exhausts its retry budget.
type ErrorHandler struct {
	Action         ErrorAction `json:"action"                     validate:"required,oneof=skip fallback callback"`
	FallbackStepID string      `json:"fallback_step_id,omitempty" validate:"required_if=Action fallback"`
	Callback       string      `json:"callback,omitempty"`
}

// Compensation is the reverse action that undoes a succeeded step during rollback.
type Compensation struct {
	Capability string         `json:"capability"      validate:"required"`
	Input      map[string]any `json:"input,omitempty"`
}

// WorkflowStep is one node of the workflow DAG, bound to a capability.
type WorkflowStep struct {
	ID           string              `json:"id"                     validate:"required"`
	Name         string              `json:"name,omitempty"`
	Capability   string              `json:"capability"             validate:"required"`
	DependsOn    []string            `json:"depends_on,omitempty"`
	Condition    *ExecutionCondition `json:"condition,omitempty"`
	Input        map[string]any      `json:"input,omitempty"` // values may hold {{ .path }} placeholders
	Retry        RetryPolicy         `json:"retry"`
	OnError      *ErrorHandler       `json:"on_error,omitempty"`
	Compensation *Compensation       `json:"compensation,omitempty"`
	Timeout      time.Duration       `json:"timeout,omitempty"  validate:"min=0"`

	// Fallback marks a step that only runs when a fallback handler injects it.
	Fallback bool `json:"fallback,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}

	cp := *s
	cp.DependsOn = slices.Clone(s.DependsOn)
	cp.Input = CopyMap(s.Input)
	cp.Condition = s.Condition.Clone()

	if s.OnError != nil {
		h := *s.OnError
		cp.OnError = &h
	}

	if s.Compensation != nil {
		c := *s.Compensation
		c.Input = CopyMap(s.Compensation.Input)
		cp.Compensation = &c
	}

	return &cp
}
