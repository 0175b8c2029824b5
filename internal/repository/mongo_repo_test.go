package repository

import (
	"testing"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestNotificationDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	next := created.Add(30 * time.Second)
	lastErr := "provider error: smtp timeout"

	n := &domain.Notification{
		ID:            "2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10",
		UserID:        "u1",
		Title:         "Welcome!",
		Message:       "Welcome to our platform",
		Channel:       domain.ChannelEmail,
		Metadata:      map[string]any{"priority": "high"},
		Status:        domain.StatusRetrying,
		AttemptCount:  2,
		MaxAttempts:   5,
		NextAttemptAt: &next,
		LastError:     &lastErr,
		Version:       4,
		CreatedAt:     created,
		UpdatedAt:     created.Add(time.Second),
	}

	raw, err := bson.Marshal(documentFromDomain(n))
	if err != nil {
		t.Fatalf("bson.Marshal() error = %v", err)
	}
	var doc notificationDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("bson.Unmarshal() error = %v", err)
	}
	got := doc.toDomain()

	if got.ID != n.ID || got.UserID != n.UserID || got.Title != n.Title || got.Message != n.Message {
		t.Fatalf("identity fields = %+v, want %+v", got, n)
	}
	if got.Channel != n.Channel || got.Status != n.Status {
		t.Fatalf("channel/status = %s/%s, want %s/%s", got.Channel, got.Status, n.Channel, n.Status)
	}
	if got.AttemptCount != 2 || got.MaxAttempts != 5 || got.Version != 4 {
		t.Fatalf("counters = %d/%d v%d, want 2/5 v4", got.AttemptCount, got.MaxAttempts, got.Version)
	}
	if got.LastError == nil || *got.LastError != lastErr {
		t.Fatalf("LastError = %v, want %q", got.LastError, lastErr)
	}
	if got.Metadata["priority"] != "high" {
		t.Fatalf("Metadata = %v, want priority=high", got.Metadata)
	}

	// BSON datetimes carry milliseconds
	if want := created.Truncate(time.Millisecond); !got.CreatedAt.Equal(want) || got.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt = %v, want %v in UTC", got.CreatedAt, want)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next.Truncate(time.Millisecond)) {
		t.Fatalf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next.Truncate(time.Millisecond))
	}
}

func TestNotificationDocumentDoesNotShareMetadata(t *testing.T) {
	t.Parallel()

	n := &domain.Notification{ID: "n-1", Metadata: map[string]any{"priority": "high"}}
	doc := documentFromDomain(n)
	doc.Metadata["priority"] = "low"

	if n.Metadata["priority"] != "high" {
		t.Fatalf("source metadata mutated: %v", n.Metadata)
	}
}

func TestNotificationDocumentWithoutOptionalFields(t *testing.T) {
	t.Parallel()

	raw, err := bson.Marshal(documentFromDomain(&domain.Notification{
		ID:     "n-1",
		Status: domain.StatusPending,
	}))
	if err != nil {
		t.Fatalf("bson.Marshal() error = %v", err)
	}
	var doc notificationDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("bson.Unmarshal() error = %v", err)
	}

	got := doc.toDomain()
	if got.NextAttemptAt != nil || got.LastError != nil {
		t.Fatalf("optional fields = %v/%v, want nil", got.NextAttemptAt, got.LastError)
	}
	if len(got.Metadata) != 0 {
		t.Fatalf("Metadata = %v, want empty", got.Metadata)
	}
}

func TestUserPageFilter(t *testing.T) {
	t.Parallel()

	t.Run("first page filters by user only", func(t *testing.T) {
		t.Parallel()

		filter := userPageFilter("u1", nil)
		if len(filter) != 1 || filter["userId"] != "u1" {
			t.Fatalf("filter = %v, want only userId", filter)
		}
	})

	t.Run("cursor continues strictly after the last row", func(t *testing.T) {
		t.Parallel()

		after := &Cursor{
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			ID:        "2f1f5a1e-8a3b-4c57-9a51-6b0f3c1e7d10",
		}
		filter := userPageFilter("u1", after)

		if filter["userId"] != "u1" {
			t.Fatalf("userId = %v, want u1", filter["userId"])
		}
		or, ok := filter["$or"].(bson.A)
		if !ok || len(or) != 2 {
			t.Fatalf("$or = %#v, want two branches", filter["$or"])
		}

		older, ok := or[0].(bson.M)
		if !ok {
			t.Fatalf("first branch = %#v, want bson.M", or[0])
		}
		if lt, _ := older["createdAt"].(bson.M); lt == nil || lt["$lt"] != after.CreatedAt {
			t.Fatalf("first branch = %v, want createdAt < cursor", older)
		}

		tie, ok := or[1].(bson.M)
		if !ok {
			t.Fatalf("second branch = %#v, want bson.M", or[1])
		}
		if tie["createdAt"] != after.CreatedAt {
			t.Fatalf("tie createdAt = %v, want %v", tie["createdAt"], after.CreatedAt)
		}
		if lt, _ := tie["_id"].(bson.M); lt == nil || lt["$lt"] != after.ID {
			t.Fatalf("tie branch = %v, want _id < cursor id", tie)
		}
	})
}

func TestStatusCountDecodesGroupedStatus(t *testing.T) {
	t.Parallel()

	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: "sent"},
		{Key: "count", Value: int32(3)},
		{Key: "avgAttempts", Value: 1.5},
	})
	if err != nil {
		t.Fatalf("bson.Marshal() error = %v", err)
	}

	var got StatusCount
	if err := bson.Unmarshal(raw, &got); err != nil {
		t.Fatalf("bson.Unmarshal() error = %v", err)
	}
	if got.Status != domain.StatusSent || got.Count != 3 || got.AvgAttempts != 1.5 {
		t.Fatalf("StatusCount = %+v, want sent/3/1.5", got)
	}
}
