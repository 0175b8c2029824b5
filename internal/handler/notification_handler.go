package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/service"
)

type NotificationService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, cursor string, limit int) (*service.Page, error)
	UpdateStatus(ctx context.Context, id string, status string) (*domain.Notification, error)
	Stats(ctx context.Context) (*service.Stats, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SubmitNotification)
	v1.Get("/notifications/stats", h.GetStats)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Patch("/notifications/:id/status", h.UpdateStatus)
	v1.Get("/users/:userId/notifications", h.ListUserNotifications)

	return nil
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type notificationResponse struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Channel       string         `json:"channel"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status"`
	AttemptCount  int            `json:"attemptCount"`
	MaxAttempts   int            `json:"maxAttempts"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	LastError     *string        `json:"lastError,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type listNotificationsResponse struct {
	Data       []notificationResponse `json:"data"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

type statsResponse struct {
	Total    int64             `json:"total"`
	ByStatus []statusCountItem `json:"byStatus"`
}

type statusCountItem struct {
	Status      string  `json:"status"`
	Count       int64   `json:"count"`
	AvgAttempts float64 `json:"avgAttempts"`
}

func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var req service.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListUserNotifications(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return toHTTPError(fmt.Errorf("%w: limit must be positive", domain.ErrValidation))
	}

	page, err := h.service.ListByUser(c.UserContext(), c.Params("userId"), c.Query("cursor"), limit)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data:       toNotificationResponses(page.Items),
		NextCursor: page.NextCursor,
	})
}

func (h *NotificationHandler) UpdateStatus(c *fiber.Ctx) error {
	var req updateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.service.UpdateStatus(c.UserContext(), strings.TrimSpace(c.Params("id")), req.Status)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(updated))
}

func (h *NotificationHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]statusCountItem, 0, len(stats.ByStatus))
	for _, count := range stats.ByStatus {
		items = append(items, statusCountItem{
			Status:      count.Status.String(),
			Count:       count.Count,
			AvgAttempts: count.AvgAttempts,
		})
	}

	return c.Status(fiber.StatusOK).JSON(statsResponse{
		Total:    stats.Total,
		ByStatus: items,
	})
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:            n.ID,
		UserID:        n.UserID,
		Title:         n.Title,
		Message:       n.Message,
		Channel:       n.Channel.String(),
		Metadata:      n.Metadata,
		Status:        n.Status.String(),
		AttemptCount:  n.AttemptCount,
		MaxAttempts:   n.MaxAttempts,
		NextAttemptAt: n.NextAttemptAt,
		LastError:     n.LastError,
		Version:       n.Version,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrDuplicateKey):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInfrastructure):
		return fiber.NewError(fiber.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		return err
	}
}
