package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// SessionHandler exposes the candidate side of the exam session state machine.
type SessionHandler struct {
	service        service.SessionService
	logger         zerolog.Logger
	violationLimit fiber.Handler
}

// NewSessionHandler constructs the handler. violationLimit may be nil.
func NewSessionHandler(service service.SessionService, violationLimit fiber.Handler, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		service:        service,
		logger:         logger.With().Str("component", "session_handler").Logger(),
		violationLimit: violationLimit,
	}
}

// Register binds the session routes.
func (h *SessionHandler) Register(router fiber.Router) {
	auth := middleware.AuthOptions{RequireUser: true}

	router.Post("", middleware.WithAuth(h.start, middleware.AuthOptions{Role: middleware.AuthRoleCandidate}))
	router.Post("/:id/answers", middleware.WithAuth(h.submitAnswer, auth))
	if h.violationLimit != nil {
		router.Post("/:id/violations", h.violationLimit, middleware.WithAuth(h.reportViolation, auth))
	} else {
		router.Post("/:id/violations", middleware.WithAuth(h.reportViolation, auth))
	}
	router.Post("/:id/finish", middleware.WithAuth(h.finish, auth))
	router.Get("/:id/reconnect", middleware.WithAuth(h.reconnect, auth))
	router.Get("/:id/status", middleware.WithAuth(h.status, auth))
	router.Get("/:id/markers", middleware.WithAuth(h.markers, auth))
	router.Get("/:id/questions/:index", middleware.WithAuth(h.question, auth))
}

func (h *SessionHandler) start(c *fiber.Ctx) error {
	var payload dto.StartSessionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.service.StartSession(requestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to start session")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "session started", resp)
}

func (h *SessionHandler) submitAnswer(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SubmitAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.service.SubmitAnswer(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to submit answer")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "answer recorded", resp)
}

func (h *SessionHandler) reportViolation(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ViolationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.service.ReportViolation(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to record violation")
	}
	return utils.SendSuccess(c, "violation recorded", resp)
}

func (h *SessionHandler) finish(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.FinishSession(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to finish session")
	}
	return utils.SendSuccess(c, "session finished", resp)
}

func (h *SessionHandler) reconnect(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.Reconnect(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to restore session")
	}
	return utils.SendSuccess(c, "session restored", resp)
}

func (h *SessionHandler) status(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.GetStatus(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to load session")
	}
	return utils.SendSuccess(c, "session status", resp)
}

func (h *SessionHandler) markers(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.GetMarkers(requestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to load markers")
	}
	return utils.SendSuccess(c, "question markers", resp)
}

func (h *SessionHandler) question(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid question index")
	}

	resp, err := h.service.GetQuestionByIndex(requestContext(c), id, activityActorFromContext(c), index)
	if err != nil {
		return h.handleError(c, err, "failed to load question")
	}
	return utils.SendSuccess(c, "question", resp)
}

func (h *SessionHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return sendServiceError(c, h.logger, err, fallback)
}
