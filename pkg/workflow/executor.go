// Package workflow drives workflow executions to a terminal state by
// dispatching eligible steps to agents.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/config"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AgentResolver picks an agent offering a capability.
type AgentResolver interface {
	SelectAgent(capability string) (*models.RegisteredAgent, error)
}

// EventPublisher receives events the executor emits itself.
type EventPublisher interface {
	Publish(ctx context.Context, event events.ChoreographyEvent)
}

// Settings are the tunables read at the start of every dispatch.
type Settings struct {
	DefaultStepTimeout time.Duration
	RollbackEnabled    bool
}

type Executor struct {
	logger    *slog.Logger
	engine    *choreography.Engine
	agents    AgentResolver
	gate      *Gate
	publisher EventPublisher
	transport models.Invoker
	tracer    trace.Tracer
	settings  func() Settings
}

type Option func(*Executor)

func WithPublisher(p EventPublisher) Option {
	return func(x *Executor) {
		x.publisher = p
	}
}

// WithTransport sets the invoker used for agents registered without an in-process handle.
func WithTransport(inv models.Invoker) Option {
	return func(x *Executor) {
		x.transport = inv
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(x *Executor) {
		x.tracer = tracer
	}
}

// WithSettings makes the executor read its tunables from fn, so runtime
// configuration changes apply to the next dispatch.
func WithSettings(fn func() Settings) Option {
	return func(x *Executor) {
		x.settings = fn
	}
}

func NewExecutor(logger *slog.Logger, engine *choreography.Engine, agents AgentResolver, gate *Gate, opts ...Option) *Executor {
	x := &Executor{
		logger: logger.With("module", "workflow_executor"),
		engine: engine,
		agents: agents,
		gate:   gate,
		tracer: otelhelper.NoopTracer(),
		settings: func() Settings {
			return Settings{DefaultStepTimeout: config.DefaultStepTimeout, RollbackEnabled: true}
		},
	}

	for _, opt := range opts {
		opt(x)
	}

	return x
}

// Run drives the execution until it is terminal, cancelled or ctx ends.
func (x *Executor) Run(ctx context.Context, executionID string) error {
	wf, err := x.engine.Snapshot(executionID)
	if err != nil {
		return err
	}

	done, err := x.engine.Done(executionID)
	if err != nil {
		return err
	}

	err = x.engine.Start(ctx, executionID)
	if err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, x.tracer, "execution.run",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkflowIDKey, wf.ID),
		attribute.Int(otelhelper.WorkflowVersionKey, wf.Version),
	)
	defer span.End()

	r := newRun(x, executionID, wf, done)
	defer r.close()

	r.logger.InfoContext(ctx, "execution started", "steps", len(wf.Steps), "error_strategy", wf.Strategy())

	err = r.loop(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (x *Executor) publish(ctx context.Context, eventType events.EventType, correlationID string, payload map[string]any) {
	if x.publisher == nil {
		return
	}

	x.publisher.Publish(ctx, events.New(eventType, correlationID, payload))
}

// invoke calls the agent with a deadline. An invoker that ignores its context
// is abandoned at the deadline and its late answer dropped.
func (x *Executor) invoke(
	ctx context.Context,
	executionID string,
	agent *models.RegisteredAgent,
	stepID, capability string,
	input map[string]any,
	timeout time.Duration,
	attempt int,
) (map[string]any, error) {
	invoker := agent.Invoker
	if invoker == nil {
		invoker = x.transport
	}

	if invoker == nil {
		return nil, fmt.Errorf("agent %s has no invocation handle", agent.ID)
	}

	if timeout <= 0 {
		timeout = x.settings().DefaultStepTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spanCtx, span := otelhelper.StartSpan(callCtx, x.tracer, "step.dispatch",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.StepIDKey, stepID),
		attribute.String(otelhelper.CapabilityKey, capability),
		attribute.String(otelhelper.AgentIDKey, agent.ID),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	type reply struct {
		output map[string]any
		err    error
	}

	replies := make(chan reply, 1)

	go func() {
		output, err := invoker.Invoke(spanCtx, agent, capability, input)
		replies <- reply{output: output, err: err}
	}()

	var (
		output map[string]any
		err    error
	)

	select {
	case rep := <-replies:
		output, err = rep.output, rep.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = choreoerr.Newf("invoke", stepID, choreoerr.ErrStepTimeout, "no answer from %s within %s", agent.ID, timeout)
	}

	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.AgentIDKey, agent.ID))
	}

	return output, err
}
