package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// MemoryNotificationRepo is a process-local store with the same compare-and-swap
// semantics as the database-backed repositories.
type MemoryNotificationRepo struct {
	mu      sync.RWMutex
	records map[string]*domain.Notification
	now     func() time.Time
}

func NewMemoryNotificationRepo() *MemoryNotificationRepo {
	return &MemoryNotificationRepo{
		records: make(map[string]*domain.Notification),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryNotificationRepo) Create(_ context.Context, n *domain.Notification) error {
	if err := prepareCreate(n, r.now()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[n.ID]; exists {
		return domain.ErrDuplicateKey
	}
	r.records[n.ID] = n.Clone()
	return nil
}

func (r *MemoryNotificationRepo) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *MemoryNotificationRepo) CompareAndSwap(_ context.Context, id string, expectedVersion int64, mutation domain.Mutation) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion)
	}

	updated, err := domain.Apply(current, mutation, r.now())
	if err != nil {
		return nil, err
	}
	r.records[id] = updated
	return updated.Clone(), nil
}

func (r *MemoryNotificationRepo) ListByUser(_ context.Context, userID string, cursor string, limit int) ([]domain.Notification, string, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = NormalizePageSize(limit)

	rows := r.filter(func(n *domain.Notification) bool {
		return n.UserID == userID && after.Before(*n)
	})
	slices.SortFunc(rows, func(a, b domain.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}

	rows, next := nextPage(rows, limit)
	return rows, next, nil
}

func (r *MemoryNotificationRepo) ListDueForRetry(_ context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	rows := r.filter(func(n *domain.Notification) bool {
		return n.Status == domain.StatusRetrying && n.NextAttemptAt != nil && !n.NextAttemptAt.After(now)
	})
	slices.SortFunc(rows, func(a, b domain.Notification) int {
		return a.NextAttemptAt.Compare(*b.NextAttemptAt)
	})
	return truncate(rows, limit), nil
}

func (r *MemoryNotificationRepo) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Notification, error) {
	rows := r.filter(func(n *domain.Notification) bool {
		return n.Status == domain.StatusPending && !n.CreatedAt.After(createdBefore)
	})
	slices.SortFunc(rows, func(a, b domain.Notification) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return truncate(rows, limit), nil
}

func (r *MemoryNotificationRepo) ListStaleClaims(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.listStale(domain.StatusSending, updatedBefore, limit), nil
}

func (r *MemoryNotificationRepo) ListStaleQueued(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.listStale(domain.StatusQueued, updatedBefore, limit), nil
}

func (r *MemoryNotificationRepo) listStale(status domain.Status, updatedBefore time.Time, limit int) []domain.Notification {
	rows := r.filter(func(n *domain.Notification) bool {
		return n.Status == status && !n.UpdatedAt.After(updatedBefore)
	})
	slices.SortFunc(rows, func(a, b domain.Notification) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return truncate(rows, limit)
}

func (r *MemoryNotificationRepo) StatusCounts(_ context.Context) ([]StatusCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[domain.Status]*StatusCount)
	attempts := make(map[domain.Status]int64)
	for _, n := range r.records {
		sc, ok := totals[n.Status]
		if !ok {
			sc = &StatusCount{Status: n.Status}
			totals[n.Status] = sc
		}
		sc.Count++
		attempts[n.Status] += int64(n.AttemptCount)
	}

	counts := make([]StatusCount, 0, len(totals))
	for status, sc := range totals {
		sc.AvgAttempts = float64(attempts[status]) / float64(sc.Count)
		counts = append(counts, *sc)
	}
	slices.SortFunc(counts, func(a, b StatusCount) int {
		return cmp.Compare(a.Status, b.Status)
	})
	return counts, nil
}

func (r *MemoryNotificationRepo) Ping(context.Context) error {
	return nil
}

func (r *MemoryNotificationRepo) filter(keep func(*domain.Notification) bool) []domain.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]domain.Notification, 0)
	for _, n := range r.records {
		if keep(n) {
			rows = append(rows, *n.Clone())
		}
	}
	return rows
}

func truncate(rows []domain.Notification, limit int) []domain.Notification {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
