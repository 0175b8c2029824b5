package repository

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// StatusCount aggregates records per status.
type StatusCount struct {
	Status      domain.Status `gorm:"column:status" bson:"_id"`
	Count       int64         `gorm:"column:count" bson:"count"`
	AvgAttempts float64       `gorm:"column:avg_attempts" bson:"avgAttempts"`
}

// NotificationRepository is the durable record store. Every state change goes through
// CompareAndSwap; there is no unconditional update.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutation domain.Mutation) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, cursor string, limit int) ([]domain.Notification, string, error)
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Notification, error)
	ListStaleClaims(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error)
	ListStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error)
	StatusCounts(ctx context.Context) ([]StatusCount, error)
	Ping(ctx context.Context) error
}

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.NotificationAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

// NormalizePageSize clamps a requested page size to [1, MaxPageSize]; zero or negative means default.
func NormalizePageSize(limit int) int {
	if limit < 1 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}

// Cursor is the keyset watermark of the last row on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func EncodeCursor(n domain.Notification) string {
	raw := strconv.FormatInt(n.CreatedAt.UTC().UnixNano(), 10) + "|" + n.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque page cursor. An empty string means the first page.
func DecodeCursor(cursor string) (*Cursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}

	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	ts, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}

	return &Cursor{CreatedAt: time.Unix(0, ts).UTC(), ID: id}, nil
}

// Before reports whether n sorts after the cursor in (created_at DESC, id DESC) order.
func (c *Cursor) Before(n domain.Notification) bool {
	if c == nil {
		return true
	}
	if n.CreatedAt.Equal(c.CreatedAt) {
		return n.ID < c.ID
	}
	return n.CreatedAt.Before(c.CreatedAt)
}

// nextPage trims a limit+1 result set and derives the cursor for the following page.
func nextPage(rows []domain.Notification, limit int) ([]domain.Notification, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	return rows, EncodeCursor(rows[len(rows)-1])
}

func prepareCreate(n *domain.Notification, now time.Time) error {
	if n == nil || strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.CreatedAt
	n.Status = domain.StatusPending
	n.AttemptCount = 0
	n.NextAttemptAt = nil
	n.LastError = nil
	n.Version = 1
	return n.CheckInvariants()
}

func infraError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrInfrastructure, op, err)
}

func versionConflict(id string, expected int64) error {
	return fmt.Errorf("%w: notification %s is no longer at version %d", domain.ErrVersionConflict, id, expected)
}
