// Package orchestrator assembles the registry, event bus, choreography engine
// and workflow executor behind one facade.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/config"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/eventbus"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/otelhelper"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/registry"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/workflow"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
)

const persistTimeout = 10 * time.Second

type Orchestrator struct {
	logger    *slog.Logger
	store     persistence.Persistence
	transport models.Invoker
	prober    models.Prober
	tracer    trace.Tracer
	sink      *eventbus.Sink

	cfgMu sync.RWMutex
	cfg   config.Config

	bus      *eventbus.Bus
	recorder *recorder
	agents   *registry.Registry
	engine   *choreography.Engine
	gate     *workflow.Gate
	executor *workflow.Executor

	scheduler   *cron.Cron
	healthEntry cron.EntryID

	baseCtx context.Context
	cancel  context.CancelFunc

	runMu sync.Mutex
	runs  map[string]context.CancelFunc
	wg    sync.WaitGroup

	closeOnce sync.Once
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPersistence archives workflow definitions and finished executions.
func WithPersistence(store persistence.Persistence) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithTransport sets the invoker for agents registered without an in-process handle.
func WithTransport(inv models.Invoker) Option {
	return func(o *Orchestrator) {
		o.transport = inv
	}
}

// WithProber sets the health prober for agents registered without an in-process one.
func WithProber(p models.Prober) Option {
	return func(o *Orchestrator) {
		o.prober = p
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithEventSink exports every event to an external publisher.
func WithEventSink(sink *eventbus.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// New validates cfg and wires the components. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger: slog.Default(),
		tracer: otelhelper.NoopTracer(),
		cfg:    cfg,
		runs:   make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With("module", "orchestrator")
	o.baseCtx, o.cancel = context.WithCancel(context.Background())

	var busOpts []eventbus.Option
	if o.sink != nil {
		busOpts = append(busOpts, eventbus.WithSink(o.sink))
	}

	o.bus = eventbus.New(o.logger, cfg.EventBufferSize, busOpts...)
	o.recorder = newRecorder(o.bus)
	o.agents = registry.New(o.logger, o.recorder)
	o.engine = choreography.New(o.logger, o.recorder)
	o.gate = workflow.NewGate(cfg.MaxConcurrentStepDispatches)
	o.executor = workflow.NewExecutor(o.logger, o.engine, o.agents, o.gate,
		workflow.WithPublisher(o.recorder),
		workflow.WithTransport(o.transport),
		workflow.WithTracer(o.tracer),
		workflow.WithSettings(o.settings),
	)

	o.scheduler = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{o.logger}),
		cron.Recover(cronLogger{o.logger}),
	))

	return o, nil
}

// Start restores archived workflow definitions and begins periodic health checks.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := o.restoreWorkflows(ctx)
	if err != nil {
		return err
	}

	err = o.scheduleHealthChecks(o.Config().HealthCheckInterval)
	if err != nil {
		return err
	}

	o.scheduler.Start()
	o.logger.InfoContext(ctx, "orchestrator started")

	return nil
}

func (o *Orchestrator) restoreWorkflows(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	workflows, err := o.store.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, wf := range workflows {
		_, err := o.engine.DefineWorkflow(ctx, wf, true)
		if err != nil {
			o.logger.ErrorContext(ctx, "skipping archived workflow", "workflow_id", wf.ID, "error", err)
		}
	}

	o.logger.InfoContext(ctx, "workflows restored", "count", len(workflows))

	return nil
}

// scheduleHealthChecks replaces the health job. A zero interval disables it.
func (o *Orchestrator) scheduleHealthChecks(interval time.Duration) error {
	if o.healthEntry != 0 {
		o.scheduler.Remove(o.healthEntry)
		o.healthEntry = 0
	}

	if interval <= 0 {
		return nil
	}

	id, err := o.scheduler.AddFunc("@every "+interval.String(), o.healthSweep)
	if err != nil {
		return fmt.Errorf("failed to schedule health checks: %w", err)
	}

	o.healthEntry = id

	return nil
}

func (o *Orchestrator) healthSweep() {
	ctx := o.baseCtx

	_, err := o.CheckAllHealth(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "health check sweep interrupted", "error", err)
	}

	stale := o.agents.MarkStale(ctx, o.Config().HealthTimeout)
	if len(stale) > 0 {
		o.logger.WarnContext(ctx, "agents went stale", "agent_ids", stale)
	}
}

// Close stops health checks, abandons running executions, flushes the event
// export and closes the archive.
func (o *Orchestrator) Close() error {
	var err error

	o.closeOnce.Do(func() {
		<-o.scheduler.Stop().Done()
		o.cancel()
		o.wg.Wait()

		err = o.bus.Close()

		if o.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()

			closeErr := o.store.Close(ctx)
			if closeErr != nil && err == nil {
				err = closeErr
			}
		}

		o.logger.Info("orchestrator stopped")
	})

	return err
}

// Ready reports whether the archive, when one is configured, is reachable.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	return o.store.HealthCheck(ctx)
}

// Config returns the current configuration.
func (o *Orchestrator) Config() config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()

	return o.cfg
}

// UpdateConfig applies a partial update at runtime. Gate and history sizes
// change for subsequent operations; in-flight work is not interrupted.
func (o *Orchestrator) UpdateConfig(ctx context.Context, patch config.Patch) (config.Config, error) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	next, err := o.cfg.Apply(patch)
	if err != nil {
		return o.cfg, err
	}

	previous := o.cfg
	o.cfg = next

	o.gate.Resize(next.MaxConcurrentStepDispatches)
	o.bus.Resize(next.EventBufferSize)

	if next.HealthCheckInterval != previous.HealthCheckInterval {
		err = o.scheduleHealthChecks(next.HealthCheckInterval)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to reschedule health checks", "error", err)
		}
	}

	o.logger.InfoContext(ctx, "configuration updated",
		"max_concurrent_executions", next.MaxConcurrentExecutions,
		"max_concurrent_step_dispatches", next.MaxConcurrentStepDispatches,
		"default_step_timeout", next.DefaultStepTimeout,
		"event_buffer_size", next.EventBufferSize,
		"health_check_interval", next.HealthCheckInterval,
		"rollback_enabled", next.RollbackEnabled,
	)

	return next, nil
}

func (o *Orchestrator) settings() workflow.Settings {
	cfg := o.Config()

	return workflow.Settings{DefaultStepTimeout: cfg.DefaultStepTimeout, RollbackEnabled: cfg.RollbackEnabled}
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
