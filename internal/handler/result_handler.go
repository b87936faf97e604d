package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// ResultHandler exposes result publication and re-evaluation requests.
type ResultHandler struct {
	service service.ResultService
	logger  zerolog.Logger
}

// NewResultHandler constructs the handler.
func NewResultHandler(service service.ResultService, logger zerolog.Logger) *ResultHandler {
	return &ResultHandler{
		service: service,
		logger:  logger.With().Str("component", "result_handler").Logger(),
	}
}

// Register attaches result endpoints to the router group.
func (h *ResultHandler) Register(router fiber.Router) {
	examiner := middleware.AuthOptions{Role: middleware.AuthRoleAdmin}
	authenticated := middleware.AuthOptions{RequireUser: true}

	router.Post("/exams/:id/publish", middleware.WithAuth(h.publish, examiner))
	router.Get("/exams/:id", middleware.WithAuth(h.list, middleware.AuthOptions{Role: middleware.AuthRoleProctor}))
	router.Patch("/re-evaluations/:id", middleware.WithAuth(h.resolve, examiner))
	router.Get("/:id", middleware.WithAuth(h.get, authenticated))
	router.Post("/:id/re-evaluations", middleware.WithAuth(h.requestReEvaluation, authenticated))
}

func (h *ResultHandler) publish(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.PublishResults(requestContext(c), examID, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to publish results")
	}
	return utils.SendSuccess(c, "results published", resp)
}

func (h *ResultHandler) list(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	results, err := h.service.ListResults(requestContext(c), examID)
	if err != nil {
		return h.handleError(c, err, "failed to list results")
	}
	return utils.SendSuccess(c, "exam results", results)
}

func (h *ResultHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.GetResult(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to load result")
	}
	return utils.SendSuccess(c, "exam result", result)
}

func (h *ResultHandler) requestReEvaluation(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ReEvaluationCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	request, err := h.service.RequestReEvaluation(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to open re-evaluation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "re-evaluation requested", request)
}

func (h *ResultHandler) resolve(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ReEvaluationResolveRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	request, err := h.service.ResolveReEvaluation(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to resolve re-evaluation")
	}
	return utils.SendSuccess(c, "re-evaluation resolved", request)
}

func (h *ResultHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return sendServiceError(c, h.logger, err, fallback)
}
