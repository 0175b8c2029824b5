package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeliveryMessage is the broker payload. It only points at a record; the store is the
// source of truth for everything else.
type DeliveryMessage struct {
	NotificationID string    `json:"notificationId"`
	AttemptNumber  int       `json:"attemptNumber"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func NewDeliveryMessage(notificationID string, attemptNumber int, now time.Time) DeliveryMessage {
	return DeliveryMessage{
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		EnqueuedAt:     now.UTC(),
	}
}

func (m DeliveryMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if m.AttemptNumber < 1 {
		return fmt.Errorf("attemptNumber must be positive, got %d", m.AttemptNumber)
	}
	return nil
}

// DecodeDeliveryMessage parses and validates a broker payload.
func DecodeDeliveryMessage(body []byte) (DeliveryMessage, error) {
	var msg DeliveryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DeliveryMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return DeliveryMessage{}, err
	}
	return msg, nil
}
