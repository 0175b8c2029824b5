package repository

import (
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID            string            `gorm:"type:uuid;primaryKey"`
	UserID        string            `gorm:"type:varchar(255);not null"`
	Title         string            `gorm:"type:varchar(200);not null"`
	Message       string            `gorm:"type:text;not null"`
	Channel       domain.Channel    `gorm:"type:varchar(32);not null"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	Status        domain.Status     `gorm:"type:varchar(20);not null"`
	AttemptCount  int               `gorm:"not null;default:0"`
	MaxAttempts   int               `gorm:"not null;default:3"`
	NextAttemptAt *time.Time        `gorm:"type:timestamptz"`
	LastError     *string           `gorm:"type:text"`
	Version       int64             `gorm:"not null;default:1"`
	CreatedAt     time.Time         `gorm:"type:timestamptz;not null;autoCreateTime:false"`
	UpdatedAt     time.Time         `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	NotificationID string                `gorm:"type:uuid;not null"`
	AttemptNumber  int                   `gorm:"not null"`
	Channel        domain.Channel        `gorm:"type:varchar(32);not null"`
	Outcome        domain.AttemptOutcome `gorm:"type:varchar(20);not null"`
	Error          *string               `gorm:"type:text"`
	DurationMillis int64                 `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	var metadata datatypes.JSONMap
	if len(n.Metadata) > 0 {
		metadata = datatypes.JSONMap(n.Clone().Metadata)
	}

	return &NotificationModel{
		ID:            n.ID,
		UserID:        n.UserID,
		Title:         n.Title,
		Message:       n.Message,
		Channel:       n.Channel,
		Metadata:      metadata,
		Status:        n.Status,
		AttemptCount:  n.AttemptCount,
		MaxAttempts:   n.MaxAttempts,
		NextAttemptAt: n.NextAttemptAt,
		LastError:     n.LastError,
		Version:       n.Version,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	var metadata map[string]any
	if len(m.Metadata) > 0 {
		metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			metadata[k] = v
		}
	}

	n := &domain.Notification{
		ID:            m.ID,
		UserID:        m.UserID,
		Title:         m.Title,
		Message:       m.Message,
		Channel:       m.Channel,
		Metadata:      metadata,
		Status:        m.Status,
		AttemptCount:  m.AttemptCount,
		MaxAttempts:   m.MaxAttempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if n.NextAttemptAt != nil {
		next := n.NextAttemptAt.UTC()
		n.NextAttemptAt = &next
	}
	return n
}

func attemptModelFromDomain(a *domain.NotificationAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Channel:        a.Channel,
		Outcome:        a.Outcome,
		Error:          a.Error,
		DurationMillis: a.DurationMillis,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.NotificationAttempt {
	if m == nil {
		return nil
	}

	return &domain.NotificationAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Channel:        m.Channel,
		Outcome:        m.Outcome,
		Error:          m.Error,
		DurationMillis: m.DurationMillis,
		CreatedAt:      m.CreatedAt,
	}
}
