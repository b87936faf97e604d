package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/handler"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SessionHandler      *handler.SessionHandler
	ProctorHandler      *handler.ProctorHandler
	GradingHandler      *handler.GradingHandler
	AnalyticsHandler    *handler.AnalyticsHandler
	ResultHandler       *handler.ResultHandler
	NotificationHandler *handler.NotificationHandler
	ActivityHandler     *handler.ActivityHandler
	JWTMiddleware       fiber.Handler
	DB                  *gorm.DB
	Redis               *redis.Client
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.DB, deps.Redis))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)
	staff := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleExaminer, middleware.RoleProctor)
	examiners := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleExaminer)

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(v2.Group("/sessions"))
	}

	if deps.ProctorHandler != nil {
		deps.ProctorHandler.Register(v2.Group("/proctor", staff))
	}

	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(v2.Group("/grading", examiners))
	}

	if deps.AnalyticsHandler != nil {
		deps.AnalyticsHandler.Register(v2.Group("/analytics", staff))
	}

	if deps.ResultHandler != nil {
		deps.ResultHandler.Register(v2.Group("/results"))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(v2.Group("/notifications"))
	}

	if deps.ActivityHandler != nil {
		deps.ActivityHandler.Register(v2.Group("/audit", examiners))
	}
}
