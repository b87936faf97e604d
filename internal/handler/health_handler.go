package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

const healthProbeTimeout = 2 * time.Second

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthCheck returns a handler that reports application health and the reachability of the
// database and Redis. db and redisClient may be nil.
func HealthCheck(cfg config.Config, db *gorm.DB, redisClient *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthProbeTimeout)
		defer cancel()

		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Checks:      map[string]string{},
		}

		if db != nil {
			payload.Checks["database"] = "ok"
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
				payload.Checks["database"] = "unreachable"
				payload.Status = "degraded"
			}
		}
		if redisClient != nil {
			payload.Checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				payload.Checks["redis"] = "unreachable"
				payload.Status = "degraded"
			}
		}

		if payload.Status != "ok" {
			return utils.SendErrorWithData(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
