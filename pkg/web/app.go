package web

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// App builds the admin API around orch.
func App(log *slog.Logger, orch Orchestrator) *fiber.App {
	handlers := NewAPIHandlers(orch, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return orch.Ready(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Choreo API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/schema/workflow", handlers.WorkflowSchema)

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.DefineWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/executions", handlers.TriggerWorkflow)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)
	e.Delete("/:id", handlers.PurgeExecution)

	a := app.Group("/agents")
	a.Get("/", handlers.GetAgents)
	a.Post("/", handlers.RegisterAgent)
	a.Post("/health-checks", handlers.CheckAllHealth)
	a.Get("/:id", handlers.GetAgent)
	a.Delete("/:id", handlers.DeregisterAgent)
	a.Get("/:id/health", handlers.GetAgentHealth)
	a.Post("/:id/health", handlers.ReportAgentHealth)

	app.Get("/events", handlers.GetEvents)
	app.Get("/metrics", handlers.GetMetrics)
	app.Get("/config", handlers.GetConfig)
	app.Patch("/config", handlers.UpdateConfig)

	log.Debug("admin api routes registered", "routes", len(app.GetRoutes()))

	return app
}
