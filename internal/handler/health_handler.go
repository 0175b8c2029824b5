package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/service"
)

// HealthChecker produces the aggregate readiness report.
type HealthChecker interface {
	Check(ctx context.Context) service.HealthReport
}

func RegisterHealthRoutes(app fiber.Router, checker HealthChecker) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checker))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": service.HealthOK,
		})
	}
}

func ReadyzHandler(checker HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		report := checker.Check(c.UserContext())

		statusCode := fiber.StatusOK
		if !report.Ready() {
			statusCode = fiber.StatusServiceUnavailable
		}
		return c.Status(statusCode).JSON(report)
	}
}
