package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	overrideAttempts   = 3
)

// ChannelCatalog reports whether a channel key has a registered sender.
type ChannelCatalog interface {
	Has(channel domain.Channel) bool
}

// SubmitRequest is an intake request before it becomes a record.
type SubmitRequest struct {
	UserID   string         `json:"userId" validate:"required,max=255"`
	Title    string         `json:"title" validate:"required,max=200"`
	Message  string         `json:"message" validate:"required,max=1000"`
	Channel  string         `json:"channel" validate:"required,channel"`
	Metadata map[string]any `json:"metadata"`
}

// Page is one keyset page of a user's notifications.
type Page struct {
	Items      []domain.Notification
	NextCursor string
}

// Stats summarizes the store per status.
type Stats struct {
	Total    int64
	ByStatus []repository.StatusCount
}

// NotificationService is the intake coordinator and the query surface over the store.
type NotificationService struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	validate      *validator.Validate
	maxAttempts   int
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	channels ChannelCatalog,
	maxAttempts int,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if channels == nil {
		return nil, fmt.Errorf("channel catalog is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		publisher:     publisher,
		validate:      newRequestValidator(channels),
		maxAttempts:   maxAttempts,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func newRequestValidator(channels ChannelCatalog) *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return channels.Has(domain.Channel(fl.Field().String()))
	})
	return v
}

// Submit persists a new notification and hands it to the queue. A failed hand-off is
// not an error: the record stays pending and the scheduler enqueues it later.
func (s *NotificationService) Submit(ctx context.Context, req SubmitRequest) (*domain.Notification, error) {
	req.normalize()
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if err := domain.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	n := &domain.Notification{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Title:       req.Title,
		Message:     req.Message,
		Channel:     domain.Channel(req.Channel),
		Metadata:    req.Metadata,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   s.now(),
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, err
	}
	s.metrics.IncSubmitted(n.Channel.String())

	logger := observability.LoggerFromContext(ctx, s.logger)

	queued, err := s.notifications.CompareAndSwap(ctx, n.ID, n.Version, domain.MarkQueued())
	if err != nil {
		logger.Warn("notification stored but not queued, leaving it to the scheduler",
			append(observability.NotificationFields(n), zap.Error(err))...,
		)
		return n, nil
	}

	msg := queue.NewDeliveryMessage(queued.ID, queued.AttemptCount+1, s.now())
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.metrics.IncPublishFailure("intake")
		logger.Error("failed to publish notification",
			append(observability.NotificationFields(queued), zap.Error(err))...,
		)

		reverted, revertErr := s.notifications.CompareAndSwap(ctx, queued.ID, queued.Version, domain.Unqueue(domain.StatusPending, nil))
		if revertErr != nil {
			logger.Error("failed to revert unpublished notification to pending",
				append(observability.NotificationFields(queued), zap.Error(revertErr))...,
			)
			return queued, nil
		}
		return reverted, nil
	}

	logger.Info("notification queued", observability.NotificationFields(queued)...)
	return queued, nil
}

func (r *SubmitRequest) normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Title = strings.TrimSpace(r.Title)
	r.Message = strings.TrimSpace(r.Message)
	r.Channel = strings.ToLower(strings.TrimSpace(r.Channel))
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, id)
}

func (s *NotificationService) ListByUser(ctx context.Context, userID string, cursor string, limit int) (*Page, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	items, next, err := s.notifications.ListByUser(ctx, userID, strings.TrimSpace(cursor), repository.NormalizePageSize(limit))
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, NextCursor: next}, nil
}

// UpdateStatus force-sets a record's status. Concurrent writers are retried against a
// fresh read a bounded number of times. Forcing queued publishes a delivery message.
func (s *NotificationService) UpdateStatus(ctx context.Context, id string, rawStatus string) (*domain.Notification, error) {
	status, err := domain.ParseStatusFromString(rawStatus)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for range overrideAttempts {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		updated, err := s.notifications.CompareAndSwap(ctx, current.ID, current.Version, domain.Override(status))
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.IncCASConflict("override")
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		logger := observability.LoggerFromContext(ctx, s.logger)
		logger.Info("notification status overridden",
			append(observability.NotificationFields(updated), zap.String("previousStatus", current.Status.String()))...,
		)

		if updated.Status == domain.StatusQueued {
			msg := queue.NewDeliveryMessage(updated.ID, updated.AttemptCount+1, s.now())
			if err := s.publisher.Publish(ctx, msg); err != nil {
				s.metrics.IncPublishFailure("override")
				logger.Error("failed to publish overridden notification, scheduler will retry the hand-off",
					append(observability.NotificationFields(updated), zap.Error(err))...,
				)
			}
		}
		return updated, nil
	}

	return nil, fmt.Errorf("override of %s kept conflicting: %w", id, lastErr)
}

// Stats returns a count for every status, including empty ones.
func (s *NotificationService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.notifications.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[domain.Status]repository.StatusCount, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c
	}

	stats := &Stats{ByStatus: make([]repository.StatusCount, 0, len(domain.AllStatuses()))}
	for _, status := range domain.AllStatuses() {
		c, ok := byStatus[status]
		if !ok {
			c = repository.StatusCount{Status: status}
		}
		stats.Total += c.Count
		stats.ByStatus = append(stats.ByStatus, c)
	}
	return stats, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Field()+" is required")
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "channel":
			messages = append(messages, fmt.Sprintf("channel %q is not registered", fe.Value()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(messages, "; "))
}
