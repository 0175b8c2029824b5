package provider

import (
	"context"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.uber.org/zap"
)

// LogProvider accepts every notification and only logs it. Used for local runs.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, notification domain.Notification) (*ProviderResponse, error) {
	p.logger.Info("notification delivered to log",
		zap.String("notificationId", notification.ID),
		zap.String("userId", notification.UserID),
		zap.String("channel", notification.Channel.String()),
		zap.String("title", notification.Title),
		zap.Int("attempt", notification.AttemptCount),
	)
	return &ProviderResponse{MessageID: notification.ID}, nil
}
