package domain

import "time"

// AttemptOutcome classifies a single delivery attempt.
type AttemptOutcome string

const (
	AttemptOutcomeSent      AttemptOutcome = "sent"
	AttemptOutcomeRetryable AttemptOutcome = "retryable"
	AttemptOutcomePermanent AttemptOutcome = "permanent"
)

// NotificationAttempt records a single delivery attempt for a notification.
type NotificationAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Channel        Channel
	Outcome        AttemptOutcome
	Error          *string
	DurationMillis int64
	CreatedAt      time.Time
}
