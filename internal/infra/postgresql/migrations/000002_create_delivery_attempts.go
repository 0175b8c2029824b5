package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"gorm.io/gorm"
)

// createDeliveryAttemptsTable adds the per-attempt audit log. Rows cascade with their notification.
func createDeliveryAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationAttemptModel{}); err != nil {
				return err
			}
			stmts := []string{
				`ALTER TABLE notification_attempts
					ADD CONSTRAINT fk_attempts_notification
					FOREIGN KEY (notification_id) REFERENCES notifications (id) ON DELETE CASCADE`,
				`CREATE INDEX IF NOT EXISTS idx_attempts_notification_number ON notification_attempts (notification_id, attempt_number)`,
				`CREATE INDEX IF NOT EXISTS idx_attempts_outcome_created ON notification_attempts (outcome, created_at)`,
			}
			for _, sql := range stmts {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationAttemptModel{})
		},
	}
}
