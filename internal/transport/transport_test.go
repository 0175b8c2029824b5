package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestApp(logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	for _, mw := range RequestID() {
		app.Use(mw)
	}
	return app
}

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantLevel   zapcore.Level
	}{
		{
			name:        "fiber error keeps code and message",
			err:         fiber.NewError(fiber.StatusNotFound, "not found"),
			wantStatus:  fiber.StatusNotFound,
			wantMessage: "not found",
			wantLevel:   zapcore.WarnLevel,
		},
		{
			name:        "unexpected error is hidden",
			err:         errors.New("pq: relation does not exist"),
			wantStatus:  fiber.StatusInternalServerError,
			wantMessage: "internal server error",
			wantLevel:   zapcore.ErrorLevel,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			app := newTestApp(zap.New(core))
			app.Get("/fail", func(*fiber.Ctx) error { return tc.err })

			req := httptest.NewRequest(http.MethodGet, "/fail", nil)
			req.Header.Set(observability.RequestIDHeader, "req-123")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var payload map[string]string
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if payload["error"] != tc.wantMessage {
				t.Fatalf("error = %q, want %q", payload["error"], tc.wantMessage)
			}

			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != tc.wantLevel {
				t.Fatalf("logs = %+v", entries)
			}
			if got := entries[0].ContextMap()["requestId"]; got != "req-123" {
				t.Fatalf("requestId = %v, want req-123", got)
			}
		})
	}
}

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	t.Parallel()

	app := newTestApp(zap.NewNop())
	app.Get("/echo", func(c *fiber.Ctx) error {
		id, _ := observability.RequestIDFromContext(c.UserContext())
		return c.SendString(id)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/echo", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	header := resp.Header.Get(observability.RequestIDHeader)
	if header == "" || string(body) != header {
		t.Fatalf("header = %q, context id = %q", header, string(body))
	}
}
