package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/lainie-ftw/capflow/pkg/control"
	"github.com/lainie-ftw/capflow/pkg/engine"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/runs"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service and persistence errors onto problem
// responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var validation *runs.ValidationError

	switch {
	case errors.As(err, &validation):
		return badRequest(c, validation.Error())

	case errors.Is(err, runs.ErrUnknownWorkflowType),
		errors.Is(err, engine.ErrUnknownWorkflowType):
		return badRequest(c, err.Error())

	case persistence.IsRunNotFound(err):
		return notFound(c, "run not found")

	case errors.Is(err, control.ErrUnknownQuery):
		return notFound(c, err.Error())

	case errors.Is(err, engine.ErrRunTerminal):
		return conflict(c, "run already reached a terminal status")

	case persistence.IsConflict(err):
		return conflict(c, err.Error())

	default:
		return internalError(c, err)
	}
}
