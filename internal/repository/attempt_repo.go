package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"gorm.io/gorm"
)

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return infraError("create attempt", err)
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	if !isUUID(notificationID) {
		return []domain.NotificationAttempt{}, nil
	}

	var models []NotificationAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, infraError("list attempts", err)
	}

	attempts := make([]domain.NotificationAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

// MemoryAttemptRepo keeps the attempt log in process.
type MemoryAttemptRepo struct {
	mu       sync.Mutex
	attempts map[string][]domain.NotificationAttempt
}

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{attempts: make(map[string][]domain.NotificationAttempt)}
}

func (r *MemoryAttemptRepo) Create(_ context.Context, a *domain.NotificationAttempt) error {
	if a == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[a.NotificationID] = append(r.attempts[a.NotificationID], *a)
	return nil
}

func (r *MemoryAttemptRepo) GetByNotificationID(_ context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := append([]domain.NotificationAttempt(nil), r.attempts[notificationID]...)
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].AttemptNumber < attempts[j].AttemptNumber
	})
	return attempts, nil
}
