package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/observability"
)

// Observability records request metrics and one structured log line for every exam API
// call under /api/v2. Labels use the route template so ids do not explode cardinality.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), "/api/v2") {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		// Errors returned past the handler are rendered by fiber's error handler after
		// this middleware, so derive the final status from them.
		status := c.Response().StatusCode()
		if fiberErr, ok := err.(*fiber.Error); ok {
			status = fiberErr.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		route := routeTemplate(c)
		method := c.Method()
		statusLabel := strconv.Itoa(status)

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		observability.APILatency().WithLabelValues(method, route).Observe(duration.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.Info()
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error().Err(err)
		case status >= fiber.StatusBadRequest:
			event = logger.Warn()
		}
		event = event.
			Str("correlation_id", GetCorrelationID(c)).
			Str("method", method).
			Str("route", route).
			Int("status", status).
			Dur("latency", duration).
			Str("latency_bucket", latencyBucket(duration))
		if userID, ok := c.Locals("user_id").(uint); ok {
			event = event.Uint("user_id", userID).Str("role", roleFromLocals(c))
		}
		event.Msg("exam api request")

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return "unmatched"
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 50*time.Millisecond:
		return "fast"
	case duration <= 250*time.Millisecond:
		return "normal"
	case duration <= time.Second:
		return "slow"
	default:
		return "very_slow"
	}
}
