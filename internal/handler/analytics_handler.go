package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// AnalyticsHandler exposes item analysis and integrity reports.
type AnalyticsHandler struct {
	service service.AnalyticsService
	logger  zerolog.Logger
}

// NewAnalyticsHandler constructs the handler.
func NewAnalyticsHandler(service service.AnalyticsService, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: service,
		logger:  logger.With().Str("component", "analytics_handler").Logger(),
	}
}

// Register attaches analytics endpoints to the router group.
func (h *AnalyticsHandler) Register(router fiber.Router) {
	router.Get("/exams/:id", h.exam)
	router.Get("/exams/:id/integrity/:userId", h.integrity)
}

func (h *AnalyticsHandler) exam(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.GetExamAnalytics(requestContext(c), examID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to compute analytics")
	}
	return utils.SendSuccess(c, "exam analytics", resp)
}

func (h *AnalyticsHandler) integrity(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	userID, err := parseUintParam(c, "userId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	report, err := h.service.GetIntegrityReport(requestContext(c), examID, userID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to compute integrity report")
	}
	return utils.SendSuccess(c, "integrity report", report)
}
