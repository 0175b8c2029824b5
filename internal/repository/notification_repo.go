package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"gorm.io/gorm"
)

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{
		db: db,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if n != nil && !n.CreatedAt.IsZero() {
		n.CreatedAt = n.CreatedAt.Truncate(time.Microsecond)
	}
	if err := prepareCreate(n, r.now()); err != nil {
		return err
	}

	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return domain.ErrDuplicateKey
		}
		return infraError("create notification", err)
	}
	*n = *notificationModelToDomain(model)
	return nil
}

// GetByID reports ErrNotFound for ids that are not UUIDs; the column type would
// otherwise reject them as a query error.
func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if !isUUID(id) {
		return nil, domain.ErrNotFound
	}

	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, infraError("get notification", err)
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutation domain.Mutation) (*domain.Notification, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion)
	}

	updated, err := domain.Apply(current, mutation, r.now())
	if err != nil {
		return nil, err
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"status":          updated.Status,
			"attempt_count":   updated.AttemptCount,
			"next_attempt_at": updated.NextAttemptAt,
			"last_error":      updated.LastError,
			"version":         updated.Version,
			"updated_at":      updated.UpdatedAt,
		})
	if result.Error != nil {
		return nil, infraError("update notification", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, versionConflict(id, expectedVersion)
	}

	return updated, nil
}

func (r *GormNotificationRepo) ListByUser(ctx context.Context, userID string, cursor string, limit int) ([]domain.Notification, string, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = NormalizePageSize(limit)

	query := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("user_id = ?", userID)
	if after != nil {
		query = query.Where("(created_at, id) < (?, ?)", after.CreatedAt, after.ID)
	}

	var models []NotificationModel
	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1).
		Find(&models).Error
	if err != nil {
		return nil, "", infraError("list notifications", err)
	}

	rows, next := nextPage(toDomainList(models), limit)
	return rows, next, nil
}

func (r *GormNotificationRepo) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	return r.listWhere(ctx, "status = ? AND next_attempt_at <= ?", "next_attempt_at ASC", limit, domain.StatusRetrying, now)
}

func (r *GormNotificationRepo) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.listWhere(ctx, "status = ? AND created_at <= ?", "created_at ASC", limit, domain.StatusPending, createdBefore)
}

func (r *GormNotificationRepo) ListStaleClaims(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.listWhere(ctx, "status = ? AND updated_at <= ?", "updated_at ASC", limit, domain.StatusSending, updatedBefore)
}

func (r *GormNotificationRepo) ListStaleQueued(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.listWhere(ctx, "status = ? AND updated_at <= ?", "updated_at ASC", limit, domain.StatusQueued, updatedBefore)
}

func (r *GormNotificationRepo) listWhere(ctx context.Context, where string, order string, limit int, args ...any) ([]domain.Notification, error) {
	if limit < 1 {
		limit = MaxPageSize
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where(where, args...).
		Order(order).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, infraError("scan notifications", err)
	}
	return toDomainList(models), nil
}

func (r *GormNotificationRepo) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) AS count, COALESCE(AVG(attempt_count), 0) AS avg_attempts").
		Group("status").
		Order("status").
		Scan(&counts).Error
	if err != nil {
		return nil, infraError("count notifications", err)
	}
	return counts, nil
}

func (r *GormNotificationRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return infraError("postgres handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return infraError("postgres ping", err)
	}
	return nil
}

func toDomainList(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
