package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// GradingHandler wires grading endpoints for examiners.
type GradingHandler struct {
	service service.GradingService
	logger  zerolog.Logger
}

// NewGradingHandler constructs the handler.
func NewGradingHandler(service service.GradingService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading endpoints to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/sessions/:id/auto", h.autoGrade)
	router.Patch("/answers/:id", h.override)
	router.Get("/answers/:id/history", h.history)
}

func (h *GradingHandler) autoGrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.AutoGradeSession(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to grade session")
	}
	return utils.SendSuccess(c, "session graded", resp)
}

func (h *GradingHandler) override(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.OverrideScoreRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	answer, err := h.service.OverrideScore(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to override score")
	}
	return utils.SendSuccess(c, "score updated", answer)
}

func (h *GradingHandler) history(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	history, err := h.service.ListHistory(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err, "failed to load score history")
	}
	return utils.SendSuccess(c, "score history", history)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return sendServiceError(c, h.logger, err, fallback)
}
