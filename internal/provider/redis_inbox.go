package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultInboxSize = 100

// inboxEntry is what in-app clients read back from a user inbox list.
type inboxEntry struct {
	NotificationID string         `json:"notificationId"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	DeliveredAt    time.Time      `json:"deliveredAt"`
}

// RedisInboxProvider delivers in_app notifications into a bounded per-user Redis list
// and announces them on the user's events channel.
type RedisInboxProvider struct {
	client  goredis.Cmdable
	maxSize int64
	now     func() time.Time
}

func NewRedisInboxProvider(client goredis.Cmdable, maxSize int) (*RedisInboxProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if maxSize <= 0 {
		maxSize = defaultInboxSize
	}
	return &RedisInboxProvider{
		client:  client,
		maxSize: int64(maxSize),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func InboxKey(userID string) string {
	return "inbox:" + userID
}

func InboxEventsChannel(userID string) string {
	return InboxKey(userID) + ":events"
}

func (p *RedisInboxProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	payload, err := json.Marshal(inboxEntry{
		NotificationID: notification.ID,
		Title:          notification.Title,
		Message:        notification.Message,
		Metadata:       notification.Metadata,
		CreatedAt:      notification.CreatedAt,
		DeliveredAt:    p.now(),
	})
	if err != nil {
		return nil, Permanent("encode inbox entry", err)
	}

	key := InboxKey(notification.UserID)
	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.maxSize-1)
		pipe.Publish(ctx, InboxEventsChannel(notification.UserID), notification.ID)
		return nil
	})
	if err != nil {
		return nil, Transient("redis inbox write failed", err)
	}

	return &ProviderResponse{MessageID: notification.ID}, nil
}
