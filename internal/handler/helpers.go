package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

// parseOptionalUintQuery returns nil when the query key is absent.
func parseOptionalUintQuery(c *fiber.Ctx, key string) (*uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid identifier")
	}
	id := uint(parsed)
	return &id, nil
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := c.Params(name)
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return middleware.CanonicalRole(role)
		}
	}
	return ""
}

func userIDStringFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case uint:
			return strconv.FormatUint(uint64(id), 10)
		case int:
			if id < 0 {
				return ""
			}
			return strconv.Itoa(id)
		case string:
			return strings.TrimSpace(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		}
	}
	return ""
}

func activityActorFromContext(c *fiber.Ctx) service.ActivityActor {
	return service.ActivityActor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func validationFields(err error) ([]utils.FieldError, bool) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil, false
	}
	fields := make([]utils.FieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, utils.FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return fields, true
}

// sendServiceError maps exam engine errors onto HTTP statuses and error codes. Unknown
// errors are logged and reported as fallback with a 500.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	if fields, ok := validationFields(err); ok {
		return utils.SendValidationError(c, "request validation failed", fields)
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, utils.CodeNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrLocked):
		return utils.SendErrorWithCode(c, fiber.StatusLocked, utils.CodeSessionLocked, err.Error(), fiber.Map{
			"state":               dto.SessionStateLocked,
			"waiting_for_proctor": true,
		})
	case errors.Is(err, service.ErrExpired):
		return utils.SendErrorWithCode(c, fiber.StatusGone, utils.CodeExamEnded, err.Error(), fiber.Map{
			"state":      dto.SessionStateCompleted,
			"exam_ended": true,
		})
	case errors.Is(err, service.ErrDuplicateAnswer), errors.Is(err, service.ErrInvalidState):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, utils.CodeConflict, err.Error(), nil)
	case errors.Is(err, service.ErrWindowClosed), errors.Is(err, service.ErrChallengeWindowClosed), errors.Is(err, service.ErrForbidden):
		return utils.SendErrorWithCode(c, fiber.StatusForbidden, utils.CodeForbidden, err.Error(), nil)
	case errors.Is(err, service.ErrEvidenceTooLarge):
		return utils.SendErrorWithCode(c, fiber.StatusRequestEntityTooLarge, utils.CodeEvidenceTooLarge, err.Error(), nil)
	case errors.Is(err, service.ErrSandboxUnavailable):
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return utils.SendErrorWithCode(c, fiber.StatusServiceUnavailable, utils.CodeUnavailable, err.Error(), nil)
	case errors.Is(err, service.ErrEvidenceType), errors.Is(err, service.ErrValidation):
		return utils.SendValidationError(c, err.Error(), nil)
	default:
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return utils.SendErrorWithCode(c, fiber.StatusInternalServerError, utils.CodeInternal, fallback, nil)
	}
}

func parseMonitorExamID(value string) (uint, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}
