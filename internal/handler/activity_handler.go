package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

// ActivityHandler exposes the audit trail of proctor and examiner actions.
type ActivityHandler struct {
	service service.ActivityService
	logger  zerolog.Logger
}

// NewActivityHandler constructs the handler.
func NewActivityHandler(service service.ActivityService, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		service: service,
		logger:  logger.With().Str("component", "activity_handler").Logger(),
	}
}

// Register attaches audit log routes to the router group.
func (h *ActivityHandler) Register(router fiber.Router) {
	router.Get("", h.list)
}

func (h *ActivityHandler) list(c *fiber.Ctx) error {
	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	if page <= 0 {
		page = 1
	}

	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page size")
	}
	if pageSize <= 0 {
		pageSize = 25
	} else if pageSize > 200 {
		pageSize = 200
	}

	actorID, err := parseQueryInt(c, "actor_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid actor id")
	}
	entityID, err := parseQueryInt(c, "entity_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid entity id")
	}

	since, err := parseTimeQuery(c, "since")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid since, expected RFC3339")
	}
	until, err := parseTimeQuery(c, "until")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid until, expected RFC3339")
	}
	if since != nil && until != nil && !until.After(*since) {
		return utils.SendError(c, fiber.StatusBadRequest, "until must be after since")
	}

	req := dto.ActivityListRequest{
		Page:       page,
		PageSize:   pageSize,
		ActorRole:  c.Query("actor_role"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		Since:      since,
		Until:      until,
	}
	if actorID > 0 {
		req.ActorID = uint(actorID)
	}
	if entityID > 0 {
		req.EntityID = uint(entityID)
	}

	response, err := h.service.List(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list activity logs")
	}

	return utils.SendSuccess(c, "activity logs", response)
}

func parseTimeQuery(c *fiber.Ctx, key string) (*time.Time, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
