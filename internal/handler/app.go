package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/transport"
	"go.uber.org/zap"
)

// NewApp builds a fiber app with the shared middleware stack and the health and
// metrics routes. Callers add their own routes on top.
func NewApp(appName string, checker HealthChecker, metrics *observability.Metrics, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})

	for _, mw := range transport.RequestID() {
		app.Use(mw)
	}
	app.Use(metrics.HTTPMiddleware())

	RegisterHealthRoutes(app, checker)
	app.Get("/metrics", metrics.FiberHandler())

	return app
}
