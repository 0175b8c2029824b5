package transport

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
)

const requestIDLocal = "requestid"

// RequestID accepts an inbound X-Request-ID or generates one, echoes it on the
// response and carries it in the request's user context for logging.
func RequestID() []fiber.Handler {
	return []fiber.Handler{
		requestid.New(requestid.Config{
			Header:     observability.RequestIDHeader,
			Generator:  uuid.NewString,
			ContextKey: requestIDLocal,
		}),
		func(c *fiber.Ctx) error {
			if id, ok := c.Locals(requestIDLocal).(string); ok && id != "" {
				c.SetUserContext(observability.WithRequestID(c.UserContext(), id))
			}
			return c.Next()
		},
	}
}
