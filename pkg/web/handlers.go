package web

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/lainie-ftw/capflow/pkg/control"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/runs"
)

type APIHandlers struct {
	runService     *runs.Service
	controlService *control.Service
	store          persistence.Store
	validator      *validator.Validate
}

func NewAPIHandlers(runService *runs.Service, controlService *control.Service, store persistence.Store) *APIHandlers {
	return &APIHandlers{
		runService:     runService,
		controlService: controlService,
		store:          store,
		validator:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *APIHandlers) SubmitRun(c fiber.Ctx) error {
	var req SubmitRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.Submit(c.Context(), req.WorkflowType, req.Input)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toRunResponse(run))
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(toRunResponse(run))
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	filter := persistence.RunFilter{
		Type:   models.WorkflowType(c.Query("workflow_type")),
		Status: models.RunStatus(c.Query("status")),
	}

	list, err := h.runService.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	responses := make([]RunResponse, 0, len(list))
	for _, run := range list {
		responses = append(responses, toRunResponse(run))
	}

	return c.JSON(fiber.Map{
		"runs":        responses,
		"total_count": len(responses),
	})
}

func (h *APIHandlers) QueryRun(c fiber.Ctx) error {
	answer, err := h.controlService.Query(c.Context(), c.Params("id"), c.Params("name"))
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return c.Send(answer)
}

func (h *APIHandlers) SignalRun(c fiber.Ctx) error {
	var req SignalRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	err := h.controlService.Signal(c.Context(), c.Params("id"), c.Params("name"), req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	err := h.controlService.Cancel(c.Context(), c.Params("id"), req.Reason, req.CancelledBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.store.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
