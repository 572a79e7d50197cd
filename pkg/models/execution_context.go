package models

import (
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusRolledBack ExecutionStatus = "rolled-back"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the state of one step inside one execution.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusEligible    StepStatus = "eligible"
	StepStatusDispatched  StepStatus = "dispatched"
	StepStatusSucceeded   StepStatus = "succeeded"
	StepStatusFailed      StepStatus = "failed"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusCompensated StepStatus = "compensated"
)

// Terminal reports whether the step has reached a final outcome.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCompensated:
		return true
	default:
		return false
	}
}

// StepExecution tracks one step of one execution.
type StepExecution struct {
	StepID        string         `json:"step_id"`
	Status        StepStatus     `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	Injected      bool           `json:"injected,omitempty"`    // fallback step activated by a handler
	ResolvedBy    string         `json:"resolved_by,omitempty"` // fallback step standing in for this failed step
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"` // set while awaiting a backoff timer
}

// Duration returns the wall time between first dispatch and the final outcome.
func (s *StepExecution) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}

	return s.EndedAt.Sub(*s.StartedAt)
}

// WorkflowExecution is one run of a workflow snapshot.
type WorkflowExecution struct {
	ID              string                    `json:"id"`
	WorkflowID      string                    `json:"workflow_id"`
	WorkflowVersion int                       `json:"workflow_version"`
	Context         map[string]any            `json:"context"`
	Status          ExecutionStatus           `json:"status"`
	Steps           map[string]*StepExecution `json:"steps"`
	Error           string                    `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}

// Clone returns a deep copy that callers may read without holding engine locks.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}

	cp := *e
	cp.Context = CopyMap(e.Context)
	cp.Steps = make(map[string]*StepExecution, len(e.Steps))

	for id, s := range e.Steps {
		step := *s
		step.Result = CopyMap(s.Result)
		cp.Steps[id] = &step
	}

	return &cp
}

// LookupPath resolves a dotted path ("A.result.score") through nested maps.
func LookupPath(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = vars

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// CopyMap deep-copies nested maps and slices; other values are shared.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = copyValue(v)
	}

	return cp
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}

		return out
	default:
		return v
	}
}
