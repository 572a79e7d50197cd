package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_CloneIsDeep(t *testing.T) {
	t.Parallel()

	original := &Workflow{
		ID:   "wf",
		Name: "Workflow",
		Steps: []*WorkflowStep{
			{
				ID:         "A",
				Capability: "chat",
				DependsOn:  []string{"B"},
				Input:      map[string]any{"nested": map[string]any{"k": "v"}},
				Condition:  &ExecutionCondition{Kind: ConditionComparison, Variable: "x", Operator: OpEqual, Value: 1},
				OnError:    &ErrorHandler{Action: ErrorActionSkip},
			},
		},
	}

	clone := original.Clone()
	clone.Steps[0].DependsOn[0] = "C"
	clone.Steps[0].Input["nested"].(map[string]any)["k"] = "changed"
	clone.Steps[0].Condition.Variable = "y"
	clone.Steps[0].OnError.Action = ErrorActionCallback

	assert.Equal(t, "B", original.Steps[0].DependsOn[0])
	assert.Equal(t, "v", original.Steps[0].Input["nested"].(map[string]any)["k"])
	assert.Equal(t, "x", original.Steps[0].Condition.Variable)
	assert.Equal(t, ErrorActionSkip, original.Steps[0].OnError.Action)
}

func TestWorkflow_StrategyDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorStrategyStopAll, (&Workflow{}).Strategy())
	assert.Equal(t, ErrorStrategyRollback, (&Workflow{ErrorStrategy: ErrorStrategyRollback}).Strategy())
}

func TestRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, RetryPolicy{}.Attempts())
	assert.Equal(t, 3, RetryPolicy{MaxAttempts: 3}.Attempts())
	assert.InDelta(t, 2.0, RetryPolicy{}.Multiplier(), 0)
	assert.InDelta(t, 1.5, RetryPolicy{BackoffMultiplier: 1.5}.Multiplier(), 0)
}

func TestStatuses_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.True(t, ExecutionStatusRolledBack.Terminal())
	assert.False(t, StepStatusDispatched.Terminal())
	assert.True(t, StepStatusSkipped.Terminal())
}

func TestLookupPath(t *testing.T) {
	t.Parallel()

	vars := map[string]any{"A": map[string]any{"out": map[string]any{"n": 1}}, "flat": "x"}

	v, ok := LookupPath(vars, "A.out.n")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = LookupPath(vars, "flat.deeper")
	assert.False(t, ok)

	_, ok = LookupPath(vars, "")
	assert.False(t, ok)
}

func TestWorkflowExecution_CloneAndDuration(t *testing.T) {
	t.Parallel()

	start := time.Now()
	end := start.Add(2 * time.Second)

	exec := &WorkflowExecution{
		ID:      "e",
		Context: map[string]any{"k": "v"},
		Steps: map[string]*StepExecution{
			"A": {StepID: "A", Status: StepStatusSucceeded, StartedAt: &start, EndedAt: &end},
		},
	}

	clone := exec.Clone()
	clone.Context["k"] = "other"
	clone.Steps["A"].Status = StepStatusFailed

	assert.Equal(t, "v", exec.Context["k"])
	assert.Equal(t, StepStatusSucceeded, exec.Steps["A"].Status)
	assert.Equal(t, 2*time.Second, exec.Steps["A"].Duration())
}

func TestRegisteredAgent_Capability(t *testing.T) {
	t.Parallel()

	agent := &RegisteredAgent{
		ID:           "agent-1",
		Capabilities: []Capability{{Name: "chat", Version: "1.0"}},
		Tags:         map[string]string{"zone": "eu"},
	}

	assert.True(t, agent.HasCapability("chat"))
	assert.False(t, agent.HasCapability("mint"))

	clone := agent.Clone()
	clone.Tags["zone"] = "us"
	clone.Capabilities[0].Name = "other"

	assert.Equal(t, "eu", agent.Tags["zone"])
	assert.Equal(t, "chat", agent.Capabilities[0].Name)
}
