package web

import (
	"errors"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/choreoerr"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// errorStatus maps error kinds to HTTP statuses and problem types.
var errorStatus = []struct {
	kind        error
	status      int
	problemType string
}{
	{choreoerr.ErrWorkflowNotFound, fiber.StatusNotFound, "workflow_not_found"},
	{choreoerr.ErrExecutionNotFound, fiber.StatusNotFound, "execution_not_found"},
	{choreoerr.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{choreoerr.ErrDuplicateAgent, fiber.StatusConflict, "duplicate_agent"},
	{choreoerr.ErrWorkflowExists, fiber.StatusConflict, "workflow_exists"},
	{choreoerr.ErrExecutionTerminal, fiber.StatusConflict, "execution_terminal"},
	{choreoerr.ErrExecutionActive, fiber.StatusConflict, "execution_active"},
	{choreoerr.ErrInvalidWorkflow, fiber.StatusUnprocessableEntity, "invalid_workflow"},
	{choreoerr.ErrInvalidInput, fiber.StatusBadRequest, "validation_error"},
	{choreoerr.ErrInvalidConfig, fiber.StatusBadRequest, "invalid_config"},
	{choreoerr.ErrCapacityExceeded, fiber.StatusTooManyRequests, "capacity_exceeded"},
}

// handleServiceError renders err as an RFC 7807 problem.
func handleServiceError(c fiber.Ctx, err error) error {
	for _, e := range errorStatus {
		if errors.Is(err, e.kind) {
			problem := problems.NewStatusProblem(e.status).
				WithInstance(c.Path()).
				WithType(e.problemType).
				WithDetail(err.Error())

			return c.Status(e.status).JSON(problem)
		}
	}

	return internalError(c, err)
}
