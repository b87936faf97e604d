package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// NotificationHandler serves the caller's exam inbox and its live SSE stream.
type NotificationHandler struct {
	service   service.NotificationService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewNotificationHandler constructs a handler. keepAlive is the SSE comment interval; zero
// falls back to 15 seconds.
func NewNotificationHandler(service service.NotificationService, logger zerolog.Logger, keepAlive time.Duration) *NotificationHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &NotificationHandler{
		service:   service,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
		keepAlive: keepAlive,
	}
}

func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/stream", h.stream)
	router.Post("/read-all", h.markAllRead)
	router.Patch("/:id/read", h.markRead)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	examID, err := parseOptionalUintQuery(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	inbox, err := h.service.List(requestContext(c), userID, dto.NotificationFilter{
		ExamID:     examID,
		UnreadOnly: c.QueryBool("unread", false),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list notifications")
	}

	return utils.SendSuccess(c, "notifications", inbox)
}

// stream pushes new notifications as "notification" events. With ?exam_id only that
// exam's notifications are forwarded.
func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	examID, err := parseOptionalUintQuery(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	events, cleanup := h.service.Subscribe(userID)
	logger := requestLogger(h.logger, c).With().Str("user_id", userID).Logger()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case notification, ok := <-events:
				if !ok {
					return
				}
				if examID != nil && (notification.ExamID == nil || *notification.ExamID != *examID) {
					continue
				}
				if err := writeSSE(w, "notification", notification); err != nil {
					logger.Debug().Err(err).Msg("notification stream closed")
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid notification id")
	}

	notification, err := h.service.MarkRead(requestContext(c), id, userID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to update notification")
	}

	return utils.SendSuccess(c, "notification updated", notification)
}

func (h *NotificationHandler) markAllRead(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	examID, err := parseOptionalUintQuery(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	result, err := h.service.MarkAllRead(requestContext(c), userID, examID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to update notifications")
	}

	return utils.SendSuccess(c, "notifications updated", result)
}

func writeSSE(w *bufio.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
