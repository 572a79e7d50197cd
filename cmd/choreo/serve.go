package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	choreocmd "github.com/Violet-Site-Systems/VEXEL-sub000/pkg/cmd"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/config"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/log"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/orchestrator"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/otelhelper"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/transport/httpagent"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestrator with its admin API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Admin API port",
				Value:   8099,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Archive URL (file://path, postgres://..., redis://...). Empty keeps everything in memory",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file overlaying the default configuration",
				Sources: cli.EnvVars("CHOREO_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "agents",
				Usage:   "YAML file of remote agents registered at startup",
				Sources: cli.EnvVars("CHOREO_AGENTS"),
			},
			&cli.StringFlag{
				Name:    "event-sink",
				Usage:   "Event export (none, gochannel, kafka)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_SINK"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "event-topic",
				Usage:   "Topic events are exported on",
				Sources: cli.EnvVars("EVENT_TOPIC"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "agent-token",
				Usage:   "Bearer token sent to HTTP agents",
				Sources: cli.EnvVars("AGENT_TOKEN"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-executions",
				Usage:   "Upper bound on running executions",
				Sources: cli.EnvVars("MAX_CONCURRENT_EXECUTIONS"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-step-dispatches",
				Usage:   "Upper bound on in-flight agent calls",
				Sources: cli.EnvVars("MAX_CONCURRENT_STEP_DISPATCHES"),
			},
			&cli.DurationFlag{
				Name:    "default-step-timeout",
				Usage:   "Timeout for steps that do not set one",
				Sources: cli.EnvVars("DEFAULT_STEP_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "event-buffer-size",
				Usage:   "Number of events kept in history",
				Sources: cli.EnvVars("EVENT_BUFFER_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "health-check-interval",
				Usage:   "Interval between agent health sweeps, 0 disables them",
				Sources: cli.EnvVars("HEALTH_CHECK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "health-timeout",
				Usage:   "Agents silent for longer are marked offline",
				Sources: cli.EnvVars("HEALTH_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "rollback-enabled",
				Usage:   "Run compensations for workflows using the rollback strategy",
				Value:   true,
				Sources: cli.EnvVars("ROLLBACK_ENABLED"),
			},
		},
		Action: serve,
	}
}

// loadConfig layers defaults, the YAML file and explicitly set flags, in that order.
func loadConfig(command *cli.Command) (config.Config, error) {
	cfg := config.Default()

	if path := command.String("config"); path != "" {
		loaded, err := config.LoadFile(path, cfg)
		if err != nil {
			return cfg, err
		}

		cfg = loaded
	}

	var patch config.Patch

	if command.IsSet("max-concurrent-executions") {
		v := int(command.Int("max-concurrent-executions"))
		patch.MaxConcurrentExecutions = &v
	}

	if command.IsSet("max-concurrent-step-dispatches") {
		v := int(command.Int("max-concurrent-step-dispatches"))
		patch.MaxConcurrentStepDispatches = &v
	}

	if command.IsSet("default-step-timeout") {
		v := command.Duration("default-step-timeout")
		patch.DefaultStepTimeout = &v
	}

	if command.IsSet("event-buffer-size") {
		v := int(command.Int("event-buffer-size"))
		patch.EventBufferSize = &v
	}

	if command.IsSet("health-check-interval") {
		v := command.Duration("health-check-interval")
		patch.HealthCheckInterval = &v
	}

	if command.IsSet("health-timeout") {
		v := command.Duration("health-timeout")
		patch.HealthTimeout = &v
	}

	if command.IsSet("rollback-enabled") {
		v := command.Bool("rollback-enabled")
		patch.RollbackEnabled = &v
	}

	return cfg.Apply(patch)
}

func serve(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("choreo")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(command)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var agentOpts []httpagent.Option
	if token := command.String("agent-token"); token != "" {
		agentOpts = append(agentOpts, httpagent.WithHeader("Authorization", "Bearer "+token))
	}

	transport := httpagent.New(logger, agentOpts...)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTransport(transport),
		orchestrator.WithProber(transport),
	}

	if command.Bool("tracing") {
		tp, err := otelhelper.NewTracerProvider(ctx, "choreo")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			_ = tp.Shutdown(shutdownCtx)
		}()

		opts = append(opts, orchestrator.WithTracer(tp.Tracer("choreo")))
	}

	store, err := choreocmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	if store != nil {
		opts = append(opts, orchestrator.WithPersistence(store))
	}

	sink, err := choreocmd.NewEventSink(command.String("event-sink"), command.String("kafka-brokers"), command.String("event-topic"), logger)
	if err != nil {
		return err
	}

	if sink != nil {
		opts = append(opts, orchestrator.WithEventSink(sink))
	}

	orch, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return err
	}

	defer func() {
		err := orch.Close()
		if err != nil {
			logger.ErrorContext(ctx, "failed to close orchestrator", "error", err)
		}
	}()

	err = orch.Start(ctx)
	if err != nil {
		return err
	}

	err = registerStaticAgents(ctx, logger, orch, command.String("agents"))
	if err != nil {
		return err
	}

	app := web.App(logger, orch)
	addr := ":" + strconv.Itoa(int(command.Int("port")))

	errs := make(chan error, 1)

	go func() {
		logger.InfoContext(ctx, "admin api listening", "addr", addr)
		errs <- app.Listen(addr)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return app.ShutdownWithContext(shutdownCtx)
}

func registerStaticAgents(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, path string) error {
	if path == "" {
		return nil
	}

	agents, err := choreocmd.LoadAgents(path)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		err := orch.RegisterAgent(ctx, agent)
		if err != nil && !errors.Is(err, choreoerr.ErrDuplicateAgent) {
			return fmt.Errorf("failed to register agent %s: %w", agent.ID, err)
		}
	}

	logger.InfoContext(ctx, "static agents registered", "count", len(agents))

	return nil
}
