package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

const monitorPingInterval = 30 * time.Second

// ProctorHandler exposes proctor interventions, flag review and the live exam monitor.
type ProctorHandler struct {
	sessions  service.SessionService
	flags     service.ProctorService
	publisher service.EventPublisher
	logger    zerolog.Logger
}

// NewProctorHandler constructs the handler.
func NewProctorHandler(sessions service.SessionService, flags service.ProctorService, publisher service.EventPublisher, logger zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		sessions:  sessions,
		flags:     flags,
		publisher: publisher,
		logger:    logger.With().Str("component", "proctor_handler").Logger(),
	}
}

// Register binds the proctor routes. The group is expected to be restricted to privileged roles.
func (h *ProctorHandler) Register(router fiber.Router) {
	router.Post("/sessions/:id/unlock", h.unlock)
	router.Post("/sessions/:id/extend", h.extend)
	router.Post("/sessions/:id/pause", h.pause)
	router.Post("/sessions/:id/resume", h.resume)
	router.Post("/sessions/:id/flags", h.raiseFlag)
	router.Patch("/flags/:id", h.reviewFlag)
	router.Get("/exams/:id/flags", h.listFlags)

	router.Use("/exams/:id/monitor", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/exams/:id/monitor", websocket.New(h.monitor))
}

func (h *ProctorHandler) unlock(c *fiber.Ctx) error {
	return h.sessionAction(c, "session unlocked", "failed to unlock session", h.sessions.ProctorUnlock)
}

func (h *ProctorHandler) pause(c *fiber.Ctx) error {
	return h.sessionAction(c, "session paused", "failed to pause session", h.sessions.PauseSession)
}

func (h *ProctorHandler) resume(c *fiber.Ctx) error {
	return h.sessionAction(c, "session resumed", "failed to resume session", h.sessions.ResumeSession)
}

func (h *ProctorHandler) sessionAction(
	c *fiber.Ctx,
	message, fallback string,
	action func(ctx context.Context, sessionID uint, actor service.ActivityActor, req dto.ProctorActionRequest) (dto.SessionResponse, error),
) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ProctorActionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}

	resp, err := action(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, fallback)
	}
	return utils.SendSuccess(c, message, resp)
}

func (h *ProctorHandler) extend(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ExtendTimeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.sessions.ExtendTime(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to extend session")
	}
	return utils.SendSuccess(c, "session extended", resp)
}

func (h *ProctorHandler) raiseFlag(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.RaiseFlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	var evidence *dto.EvidenceUpload
	if file, err := c.FormFile("evidence"); err == nil && file != nil {
		reader, err := file.Open()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read evidence")
		}
		defer reader.Close()
		evidence = &dto.EvidenceUpload{Filename: file.Filename, Size: file.Size, Reader: reader}
	}

	flag, err := h.flags.RaiseFlag(requestContext(c), id, activityActorFromContext(c), payload, evidence)
	if err != nil {
		return h.handleError(c, err, "failed to raise flag")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "flag raised", flag)
}

func (h *ProctorHandler) reviewFlag(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ReviewFlagRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	flag, err := h.flags.ReviewFlag(requestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to review flag")
	}
	return utils.SendSuccess(c, "flag reviewed", flag)
}

func (h *ProctorHandler) listFlags(c *fiber.Ctx) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page_size")
	}

	flags, err := h.flags.ListFlags(requestContext(c), dto.ProctorFlagListRequest{
		ExamID:   examID,
		Status:   c.Query("status"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return h.handleError(c, err, "failed to list flags")
	}
	return utils.SendSuccess(c, "proctor flags", flags)
}

// monitor relays the session events of one exam to a proctor dashboard until either side
// disconnects.
func (h *ProctorHandler) monitor(conn *websocket.Conn) {
	examID, err := parseMonitorExamID(conn.Params("id"))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid exam id"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	events, unsubscribe, err := h.publisher.Subscribe(ctx, examID)
	if err != nil {
		h.logger.Error().Err(err).Uint("exam_id", examID).Msg("failed to subscribe to exam monitor")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "monitor unavailable"))
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	observability.MonitorClientsActive().Inc()
	defer observability.MonitorClientsActive().Dec()
	h.logger.Info().Uint("exam_id", examID).Msg("exam monitor connected")

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(monitorPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Uint("exam_id", examID).Msg("exam monitor disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Uint("exam_id", examID).Msg("failed to write monitor event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *ProctorHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return sendServiceError(c, h.logger, err, fallback)
}
