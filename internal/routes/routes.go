package routes

import (
	"github.com/boscod/attendwatch/internal/handlers"
	"github.com/boscod/attendwatch/internal/middleware"
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes registers the read-only status API. Nothing here can change
// what is polled or recorded.
func SetupRoutes(app *fiber.App, statusHandler *handlers.StatusHandler) {
	health := func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"message": "AttendWatch poller is running",
		})
	}
	app.Get("/health", health)

	api := app.Group("/api", middleware.RateLimitMiddleware(60))
	api.Get("/health", health)
	api.Get("/status", statusHandler.List)
	api.Get("/status/:device", statusHandler.Get)
}
