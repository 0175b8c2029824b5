package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var notificationColumns = []string{
	"id", "user_id", "title", "message", "channel", "metadata", "status",
	"attempt_count", "max_attempts", "next_attempt_at", "last_error", "version",
	"created_at", "updated_at",
}

func setupMockRepo(t *testing.T) (*GormNotificationRepo, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open gorm: %v", err)
	}

	return NewGormNotificationRepo(db), mock
}

func queuedRow(createdAt time.Time, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(notificationColumns).AddRow(
		"2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10", "user-1", "hello", "world", "email",
		[]byte(`{"email":"user@example.com"}`), "queued", 0, 3, nil, nil, version,
		createdAt, createdAt,
	)
}

func TestGormNotificationRepoCompareAndSwap(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	id := "2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10"

	mock.ExpectQuery(`SELECT \* FROM "notifications" WHERE id = \$1`).
		WillReturnRows(queuedRow(createdAt, 2))
	mock.ExpectExec(`UPDATE "notifications" SET .* WHERE \(?id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := repo.CompareAndSwap(context.Background(), id, 2, domain.Claim())
	if err != nil {
		t.Fatalf("CompareAndSwap() unexpected error = %v", err)
	}
	if got.Status != domain.StatusSending || got.AttemptCount != 1 || got.Version != 3 {
		t.Fatalf("CompareAndSwap() = %+v", got)
	}
	if email, _ := got.MetadataString("email"); email != "user@example.com" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormNotificationRepoCompareAndSwapLostRace(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	id := "2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10"

	mock.ExpectQuery(`SELECT \* FROM "notifications"`).
		WillReturnRows(queuedRow(createdAt, 2))
	mock.ExpectExec(`UPDATE "notifications" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.CompareAndSwap(context.Background(), id, 2, domain.Claim())
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("CompareAndSwap() error = %v, want ErrVersionConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormNotificationRepoCompareAndSwapStaleVersion(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "notifications"`).
		WillReturnRows(queuedRow(createdAt, 5))

	_, err := repo.CompareAndSwap(context.Background(), "2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10", 2, domain.Claim())
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("CompareAndSwap() error = %v, want ErrVersionConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormNotificationRepoGetByIDNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	mock.ExpectQuery(`SELECT \* FROM "notifications"`).
		WillReturnRows(sqlmock.NewRows(notificationColumns))

	_, err := repo.GetByID(context.Background(), "7d0c2b1e-4f3a-4e8b-9c6d-5a4b3c2d1e0f")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestGormNotificationRepoGetByIDInfrastructureError(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	mock.ExpectQuery(`SELECT \* FROM "notifications"`).
		WillReturnError(errors.New("connection refused"))

	_, err := repo.GetByID(context.Background(), "7d0c2b1e-4f3a-4e8b-9c6d-5a4b3c2d1e0f")
	if !errors.Is(err, domain.ErrInfrastructure) {
		t.Fatalf("GetByID() error = %v, want ErrInfrastructure", err)
	}
}

func TestGormNotificationRepoNonUUIDIsNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)

	for _, id := range []string{"abc", "", "2f1f5a1e-8a3b"} {
		if _, err := repo.GetByID(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetByID(%q) error = %v, want ErrNotFound", id, err)
		}
		if _, err := repo.CompareAndSwap(context.Background(), id, 1, domain.Claim()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("CompareAndSwap(%q) error = %v, want ErrNotFound", id, err)
		}
	}

	// no query reaches the database
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormNotificationRepoListByUserUsesKeyset(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	createdAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cursor := EncodeCursor(domain.Notification{ID: "ffffffff-0000-0000-0000-000000000000", CreatedAt: createdAt.Add(time.Minute)})

	mock.ExpectQuery(`SELECT \* FROM "notifications" WHERE user_id = \$1 AND \(created_at, id\) < \(\$2, \$3\) ORDER BY created_at DESC,\s*id DESC LIMIT`).
		WillReturnRows(queuedRow(createdAt, 1))

	rows, next, err := repo.ListByUser(context.Background(), "user-1", cursor, 1)
	if err != nil {
		t.Fatalf("ListByUser() unexpected error = %v", err)
	}
	if len(rows) != 1 || next != "" {
		t.Fatalf("ListByUser() = %d rows, next %q", len(rows), next)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormNotificationRepoStatusCounts(t *testing.T) {
	t.Parallel()

	repo, mock := setupMockRepo(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) AS count, COALESCE\(AVG\(attempt_count\), 0\) AS avg_attempts FROM "notifications" GROUP BY`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "avg_attempts"}).
			AddRow("sent", 4, 1.25).
			AddRow("retrying", 1, 2.0))

	counts, err := repo.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts() unexpected error = %v", err)
	}
	if len(counts) != 2 || counts[0].Status != domain.StatusSent || counts[0].Count != 4 || counts[0].AvgAttempts != 1.25 {
		t.Fatalf("StatusCounts() = %+v", counts)
	}
}
