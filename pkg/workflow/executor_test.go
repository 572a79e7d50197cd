package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgents serves one in-process agent per capability.
type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]*models.RegisteredAgent
}

func (f *fakeAgents) add(capability string, fn models.InvokerFunc) {
	f.addWithSchema(capability, nil, fn)
}

func (f *fakeAgents) addWithSchema(capability string, schema map[string]any, fn models.InvokerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.agents[capability] = &models.RegisteredAgent{
		ID:           capability + "-agent",
		Capabilities: []models.Capability{{Name: capability, InputSchema: schema}},
		Status:       models.AgentStatusOnline,
		Invoker:      fn,
	}
}

func (f *fakeAgents) SelectAgent(capability string) (*models.RegisteredAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	agent, ok := f.agents[capability]
	if !ok {
		return nil, choreoerr.New("select agent", capability, choreoerr.ErrNoAgentAvailable)
	}

	return agent, nil
}

type harness struct {
	engine    *choreography.Engine
	agents    *fakeAgents
	gate      *Gate
	executor  *Executor
	published *testutil.Recorder
}

func newHarness(t *testing.T, gateSize int) *harness {
	t.Helper()

	pub := &testutil.Recorder{}
	engine := choreography.New(log.Discard(), pub)
	agents := &fakeAgents{agents: map[string]*models.RegisteredAgent{}}
	gate := NewGate(gateSize)

	return &harness{
		engine:    engine,
		agents:    agents,
		gate:      gate,
		executor:  NewExecutor(log.Discard(), engine, agents, gate, WithPublisher(pub)),
		published: pub,
	}
}

func (h *harness) create(t *testing.T, wf *models.Workflow, initial map[string]any) string {
	t.Helper()

	ctx := context.Background()

	_, err := h.engine.DefineWorkflow(ctx, wf, true)
	require.NoError(t, err)

	exec, err := h.engine.CreateExecution(ctx, wf.ID, initial)
	require.NoError(t, err)

	return exec.ID
}

func (h *harness) run(t *testing.T, wf *models.Workflow, initial map[string]any) *models.WorkflowExecution {
	t.Helper()

	id := h.create(t, wf, initial)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.executor.Run(ctx, id))

	state, err := h.engine.Get(id)
	require.NoError(t, err)

	return state
}

func step(id, capability string, deps ...string) *models.WorkflowStep {
	return testutil.CreateTestStep(id, capability, deps...)
}

func workflow(id string, strategy models.ErrorStrategy, steps ...*models.WorkflowStep) *models.Workflow {
	wf := testutil.CreateTestWorkflow(id, steps...)
	wf.ErrorStrategy = strategy

	return wf
}

func succeed(output map[string]any) models.InvokerFunc {
	return func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		return output, nil
	}
}

func failWith(err error) models.InvokerFunc {
	return func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		return nil, err
	}
}

func TestRun_PassesOutputsDownstream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)

	var summarizeInput atomic.Value

	h.agents.add("fetch", succeed(map[string]any{"body": "hello world", "length": 11}))
	h.agents.add("summarize", func(_ context.Context, _ *models.RegisteredAgent, _ string, input map[string]any) (map[string]any, error) {
		summarizeInput.Store(input)

		return map[string]any{"summary": "hi"}, nil
	})

	b := step("B", "summarize", "A")
	b.Input = map[string]any{"text": "{{ .A.body }}", "size": "{{ .A.length }}", "url": "{{ .url }}"}

	state := h.run(t, workflow("W1", "", step("A", "fetch"), b), map[string]any{"url": "https://example.org"})

	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["A"].Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["B"].Status)
	assert.Equal(t, map[string]any{"summary": "hi"}, state.Context["B"])

	input, ok := summarizeInput.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello world", input["text"])
	assert.Equal(t, 11, input["size"])
	assert.Equal(t, "https://example.org", input["url"])

	dispatched := h.published.OfType(events.StepDispatchedEvent)
	require.Len(t, dispatched, 2)
	assert.Equal(t, "A", dispatched[0].Payload["step_id"])
	assert.Equal(t, "B", dispatched[1].Payload["step_id"])
	assert.Len(t, h.published.OfType(events.WorkflowCompletedEvent), 1)
}

func TestRun_RetriesThenStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)

	var calls atomic.Int64

	h.agents.add("flaky", func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		calls.Add(1)

		return nil, errors.New("upstream unavailable")
	})
	h.agents.add("work", succeed(nil))

	a := step("A", "flaky")
	a.Retry = models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	state := h.run(t, workflow("W1", models.ErrorStrategyStopAll, a, step("C", "work", "A")), nil)

	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, models.StepStatusFailed, state.Steps["A"].Status)
	assert.Equal(t, 3, state.Steps["A"].Attempts)
	assert.Equal(t, "RetriesExhausted", state.Steps["A"].ErrorKind)
	assert.Contains(t, state.Steps["A"].LastError, "upstream unavailable")
	assert.Equal(t, models.StepStatusPending, state.Steps["C"].Status)

	assert.Len(t, h.published.OfType(events.StepRetryScheduledEvent), 2)

	for _, e := range h.published.OfType(events.StepDispatchedEvent) {
		assert.NotEqual(t, "C", e.Payload["step_id"])
	}
}

func TestRun_RetrySucceedsEventually(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)

	var calls atomic.Int64

	h.agents.add("flaky", func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("try again")
		}

		return map[string]any{"ok": true}, nil
	})

	a := step("A", "flaky")
	a.Retry = models.RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, BackoffMultiplier: 2}

	start := time.Now()
	state := h.run(t, workflow("W1", "", a), nil)

	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, 3, state.Steps["A"].Attempts)
	assert.Empty(t, state.Steps["A"].LastError)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRun_RollbackCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)

	var (
		mu          sync.Mutex
		compensated []string
	)

	h.agents.add("work", succeed(map[string]any{"done": true}))
	h.agents.add("broken", failWith(errors.New("boom")))
	h.agents.add("undo", func(_ context.Context, _ *models.RegisteredAgent, _ string, input map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()

		compensated = append(compensated, input["step"].(string))

		return nil, nil
	})

	a := step("A", "work")
	a.Compensation = &models.Compensation{Capability: "undo", Input: map[string]any{"step": "A"}}
	b := step("B", "work", "A")
	b.Compensation = &models.Compensation{Capability: "undo", Input: map[string]any{"step": "B"}}

	wf := workflow("W1", models.ErrorStrategyRollback, a, b, step("C", "broken", "B"), step("D", "work", "C"))
	state := h.run(t, wf, nil)

	assert.Equal(t, models.ExecutionStatusRolledBack, state.Status)
	assert.Equal(t, []string{"B", "A"}, compensated)
	assert.Equal(t, models.StepStatusCompensated, state.Steps["A"].Status)
	assert.Equal(t, models.StepStatusCompensated, state.Steps["B"].Status)
	assert.Equal(t, models.StepStatusFailed, state.Steps["C"].Status)
	assert.Equal(t, models.StepStatusPending, state.Steps["D"].Status)

	failedAt := -1

	for i, e := range h.published.Events() {
		if e.Type == events.StepFailedEvent {
			failedAt = i
		}

		if failedAt >= 0 {
			assert.NotEqual(t, events.StepDispatchedEvent, e.Type, "dispatch after failure")
		}
	}

	assert.Len(t, h.published.OfType(events.ExecutionRolledBackEvent), 1)
}

func TestRun_RollbackDisabledStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.executor = NewExecutor(log.Discard(), h.engine, h.agents, h.gate, WithSettings(func() Settings {
		return Settings{DefaultStepTimeout: time.Second}
	}))

	h.agents.add("work", succeed(nil))
	h.agents.add("broken", failWith(errors.New("boom")))
	h.agents.add("undo", succeed(nil))

	a := step("A", "work")
	a.Compensation = &models.Compensation{Capability: "undo"}

	state := h.run(t, workflow("W1", models.ErrorStrategyRollback, a, step("B", "broken", "A")), nil)

	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["A"].Status)
}

func TestRun_ContinueIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.agents.add("work", succeed(map[string]any{"ok": true}))
	h.agents.add("broken", failWith(errors.New("boom")))

	wf := workflow("W1", models.ErrorStrategyContinueIndependent,
		step("A", "broken"),
		step("B", "work", "A"),
		step("C", "work"),
		step("D", "work", "C"),
	)

	state := h.run(t, wf, nil)

	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, models.StepStatusFailed, state.Steps["A"].Status)
	assert.Equal(t, models.StepStatusPending, state.Steps["B"].Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["C"].Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["D"].Status)
	assert.Contains(t, state.Error, "A")
}

func TestRun_ErrorHandlers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    *models.ErrorHandler
		extra      []*models.WorkflowStep
		wantStatus models.ExecutionStatus
		wantA      models.StepStatus
		wantB      models.StepStatus
		callbacks  int
	}{
		{
			name:       "skip lets dependents run",
			handler:    &models.ErrorHandler{Action: models.ErrorActionSkip},
			wantStatus: models.ExecutionStatusCompleted,
			wantA:      models.StepStatusSkipped,
			wantB:      models.StepStatusSucceeded,
		},
		{
			name:       "fallback replaces the failed step",
			handler:    &models.ErrorHandler{Action: models.ErrorActionFallback, FallbackStepID: "F"},
			extra:      []*models.WorkflowStep{{ID: "F", Capability: "work", Fallback: true}},
			wantStatus: models.ExecutionStatusCompleted,
			wantA:      models.StepStatusFailed,
			wantB:      models.StepStatusSucceeded,
		},
		{
			name:       "callback is published and the strategy applies",
			handler:    &models.ErrorHandler{Action: models.ErrorActionCallback, Callback: "notify-ops"},
			wantStatus: models.ExecutionStatusFailed,
			wantA:      models.StepStatusFailed,
			wantB:      models.StepStatusPending,
			callbacks:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 4)
			h.agents.add("work", succeed(map[string]any{"ok": true}))
			h.agents.add("broken", failWith(errors.New("boom")))

			a := step("A", "broken")
			a.OnError = tt.handler

			steps := append([]*models.WorkflowStep{a, step("B", "work", "A")}, tt.extra...)
			state := h.run(t, workflow("W1", models.ErrorStrategyStopAll, steps...), nil)

			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantA, state.Steps["A"].Status)
			assert.Equal(t, tt.wantB, state.Steps["B"].Status)
			assert.Len(t, h.published.OfType(events.StepCallbackEvent), tt.callbacks)

			if f, ok := state.Steps["F"]; ok {
				assert.Equal(t, models.StepStatusSucceeded, f.Status)
				assert.Equal(t, "F", state.Steps["A"].ResolvedBy)
			}
		})
	}
}

func TestRun_UnusedFallbackIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.agents.add("work", succeed(nil))

	a := step("A", "work")
	a.OnError = &models.ErrorHandler{Action: models.ErrorActionFallback, FallbackStepID: "F"}

	state := h.run(t, workflow("W1", "", a, &models.WorkflowStep{ID: "F", Capability: "work", Fallback: true}), nil)

	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, models.StepStatusSkipped, state.Steps["F"].Status)
}

func TestRun_StepTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h.agents.add("hang", func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		<-release

		return nil, nil
	})

	a := step("A", "hang")
	a.Timeout = 20 * time.Millisecond
	a.Retry = models.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	state := h.run(t, workflow("W1", "", a), nil)

	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, 2, state.Steps["A"].Attempts)
	assert.Equal(t, "StepTimeout", state.Steps["A"].ErrorKind)
	assert.Contains(t, state.Steps["A"].LastError, "step timeout")
}

func TestRun_NoAgentAvailableIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)

	a := step("A", "missing")
	a.Retry = models.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	state := h.run(t, workflow("W1", "", a), nil)

	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, 2, state.Steps["A"].Attempts)
	assert.Contains(t, state.Steps["A"].LastError, "no agent available")
	assert.Equal(t, "NoAgentAvailable", state.Steps["A"].ErrorKind)
	assert.Empty(t, h.published.OfType(events.StepDispatchedEvent))
}

func TestRun_DeterministicFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}

	tests := []struct {
		name     string
		input    map[string]any
		wantKind string
	}{
		{name: "schema violation", input: map[string]any{"text": 42}, wantKind: "InvalidInput"},
		{name: "unbound variable", input: map[string]any{"text": "{{ .missing }}"}, wantKind: "UnboundVariable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 4)

			var calls atomic.Int64

			h.agents.addWithSchema("summarize", schema, func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
				calls.Add(1)

				return nil, nil
			})

			a := step("A", "summarize")
			a.Input = tt.input
			a.Retry = models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

			state := h.run(t, workflow("W1", "", a), nil)

			assert.Equal(t, models.ExecutionStatusFailed, state.Status)
			assert.Equal(t, int64(0), calls.Load())
			assert.Equal(t, 1, state.Steps["A"].Attempts)
			assert.Equal(t, tt.wantKind, state.Steps["A"].ErrorKind)
		})
	}
}

func TestRun_CancelDiscardsLateResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	started := make(chan struct{})
	release := make(chan struct{})

	h.agents.add("slow", func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		close(started)
		<-release

		return map[string]any{"late": true}, nil
	})

	id := h.create(t, workflow("W1", "", step("A", "slow")), nil)
	ctx := context.Background()
	finished := make(chan error, 1)

	go func() {
		finished <- h.executor.Run(ctx, id)
	}()

	<-started
	require.NoError(t, h.engine.Cancel(ctx, id))

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	state, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, state.Status)
	assert.Equal(t, models.StepStatusDispatched, state.Steps["A"].Status)
	assert.NotContains(t, state.Context, "A")
}

func TestRun_GateBoundsConcurrentDispatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)

	var current, peak atomic.Int64

	h.agents.add("work", func(context.Context, *models.RegisteredAgent, string, map[string]any) (map[string]any, error) {
		n := current.Add(1)
		defer current.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		return nil, nil
	})

	steps := make([]*models.WorkflowStep, 0, 6)
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		steps = append(steps, step(id, "work"))
	}

	state := h.run(t, workflow("W1", "", steps...), nil)

	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, h.gate.InFlight())
}

func TestRun_FalseConditionSkipsBranch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.agents.add("work", succeed(map[string]any{"score": 3}))

	b := step("B", "work", "A")
	b.Condition = &models.ExecutionCondition{Kind: models.ConditionComparison, Variable: "A.score", Operator: ">", Value: 5}

	state := h.run(t, workflow("W1", "", step("A", "work"), b, step("C", "work", "B")), nil)

	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, models.StepStatusSkipped, state.Steps["B"].Status)
	assert.Equal(t, models.StepStatusSucceeded, state.Steps["C"].Status)
}

func TestRun_UnknownExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)

	err := h.executor.Run(context.Background(), "missing")
	require.ErrorIs(t, err, choreoerr.ErrExecutionNotFound)
}
