package web

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreography"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/config"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/events"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/orchestrator"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/invopop/jsonschema"
)

// Orchestrator is the part of the facade the API exposes.
type Orchestrator interface {
	DefineWorkflow(ctx context.Context, wf *models.Workflow, replace bool) (*models.Workflow, error)
	GetWorkflow(id string) (*models.Workflow, error)
	ListWorkflows() []*models.Workflow

	Trigger(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter choreography.ExecutionFilter) ([]*models.WorkflowExecution, error)
	Cancel(ctx context.Context, id string) error
	PurgeExecution(ctx context.Context, id string) error

	RegisterAgent(ctx context.Context, agent *models.RegisteredAgent) error
	DeregisterAgent(ctx context.Context, id string) error
	GetAgent(id string) (*models.RegisteredAgent, error)
	QueryAgents(filter registry.Filter) []*models.RegisteredAgent
	GetAgentHealth(id string) (orchestrator.AgentHealth, error)
	RecordHealth(ctx context.Context, id string, report models.HealthReport) error
	CheckAllHealth(ctx context.Context) (map[string]models.HealthReport, error)

	History(filter events.Filter, limit int) []events.ChoreographyEvent
	GetMetrics() orchestrator.Metrics
	Config() config.Config
	UpdateConfig(ctx context.Context, patch config.Patch) (config.Config, error)
	Ready(ctx context.Context) error
}

type APIHandlers struct {
	orchestrator Orchestrator
	validator    *validator.Validate
}

func NewAPIHandlers(orch Orchestrator, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		orchestrator: orch,
		validator:    validator,
	}
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows := h.orchestrator.ListWorkflows()

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.orchestrator.GetWorkflow(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

// DefineWorkflow accepts a workflow definition. ?replace=true overwrites an
// existing definition regardless of version.
func (h *APIHandlers) DefineWorkflow(c fiber.Ctx) error {
	var workflow models.Workflow
	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	replace, err := queryBool(c, "replace")
	if err != nil {
		return badRequest(c, "Invalid replace parameter: "+err.Error())
	}

	stored, err := h.orchestrator.DefineWorkflow(c.Context(), &workflow, replace)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(stored)
}

func (h *APIHandlers) WorkflowSchema(c fiber.Ctx) error {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}

	return c.JSON(reflector.Reflect(&models.Workflow{}))
}

func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	var req TriggerRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	execution, err := h.orchestrator.Trigger(c.Context(), c.Params("id"), req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	var filter choreography.ExecutionFilter
	if err := c.Bind().Query(&filter); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	executions, err := h.orchestrator.ListExecutions(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.orchestrator.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	err := h.orchestrator.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) PurgeExecution(c fiber.Ctx) error {
	err := h.orchestrator.PurgeExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RegisterAgent(c fiber.Ctx) error {
	var req RegisterAgentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.orchestrator.RegisterAgent(c.Context(), req.Agent())
	if err != nil {
		return handleServiceError(c, err)
	}

	agent, err := h.orchestrator.GetAgent(req.ID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(agent)
}

// GetAgents filters by type, status and capability query parameters, and by
// tags given as tags=key:value,key2:value2.
func (h *APIHandlers) GetAgents(c fiber.Ctx) error {
	var filter registry.Filter
	if err := c.Bind().Query(&filter); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if raw := c.Query("tags"); raw != "" {
		filter.Tags = map[string]string{}

		for _, pair := range strings.Split(raw, ",") {
			key, value, ok := strings.Cut(pair, ":")
			if !ok || key == "" {
				return badRequest(c, "Invalid tag filter: "+pair)
			}

			filter.Tags[key] = value
		}
	}

	agents := h.orchestrator.QueryAgents(filter)

	return c.JSON(fiber.Map{
		"agents":      agents,
		"total_count": len(agents),
	})
}

func (h *APIHandlers) GetAgent(c fiber.Ctx) error {
	agent, err := h.orchestrator.GetAgent(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(agent)
}

func (h *APIHandlers) DeregisterAgent(c fiber.Ctx) error {
	err := h.orchestrator.DeregisterAgent(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetAgentHealth(c fiber.Ctx) error {
	health, err := h.orchestrator.GetAgentHealth(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(health)
}

func (h *APIHandlers) ReportAgentHealth(c fiber.Ctx) error {
	var req HealthReportRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	id := c.Params("id")

	err := h.orchestrator.RecordHealth(c.Context(), id, models.HealthReport{Status: req.Status, Diagnostics: req.Diagnostics})
	if err != nil {
		return handleServiceError(c, err)
	}

	return h.GetAgentHealth(c)
}

func (h *APIHandlers) CheckAllHealth(c fiber.Ctx) error {
	reports, err := h.orchestrator.CheckAllHealth(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"reports": reports})
}

// GetEvents returns retained events. ?types=a,b narrows by type,
// ?correlation_id by execution and ?limit keeps the newest N.
func (h *APIHandlers) GetEvents(c fiber.Ctx) error {
	filter := events.Filter{CorrelationID: c.Query("correlation_id")}

	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, events.EventType(strings.TrimSpace(t)))
		}
	}

	limit := 0

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		limit = parsed
	}

	history := h.orchestrator.History(filter, limit)

	return c.JSON(fiber.Map{
		"events":      history,
		"total_count": len(history),
	})
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	return c.JSON(h.orchestrator.GetMetrics())
}

func (h *APIHandlers) GetConfig(c fiber.Ctx) error {
	return c.JSON(NewConfigResponse(h.orchestrator.Config()))
}

func (h *APIHandlers) UpdateConfig(c fiber.Ctx) error {
	var req ConfigPatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	patch, err := req.Patch()
	if err != nil {
		return badRequest(c, err.Error())
	}

	cfg, err := h.orchestrator.UpdateConfig(c.Context(), patch)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NewConfigResponse(cfg))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	metrics := h.orchestrator.GetMetrics()

	status, archive := "healthy", "ok"

	err := h.orchestrator.Ready(c.Context())
	if err != nil {
		status, archive = "degraded", err.Error()
	}

	return c.JSON(fiber.Map{
		"status":            status,
		"archive":           archive,
		"active_executions": metrics.ActiveExecutions,
		"agents":            metrics.AgentsByStatus,
		"timestamp":         time.Now().UTC(),
	})
}

func queryBool(c fiber.Ctx, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}

	return strconv.ParseBool(raw)
}
