package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending      Status = "pending"
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead_lettered"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusSending, StatusSent, StatusFailed, StatusRetrying, StatusDeadLettered:
		return true
	}
	return false
}

// IsTerminal reports whether no further delivery work happens for the status.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusDeadLettered
}

// IsClaimable reports whether a worker may claim a record in this status.
func (s Status) IsClaimable() bool {
	return s == StatusQueued || s == StatusRetrying
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusQueued,
		StatusSending,
		StatusSent,
		StatusFailed,
		StatusRetrying,
		StatusDeadLettered,
	}
}

// Channel represents the delivery channel. The set is open: any registered sender key
// is a valid channel at intake time, the constants below are the built-in ones.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	return strings.TrimSpace(string(c)) != "" && string(c) == strings.ToLower(string(c))
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Content limits (in characters).
const (
	MaxUserIDLength  = 255
	MaxTitleLength   = 200
	MaxMessageLength = 1000
)

// Notification is the durable unit of delivery work.
type Notification struct {
	ID            string
	UserID        string
	Title         string
	Message       string
	Channel       Channel
	Metadata      map[string]any
	Status        Status
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt *time.Time
	LastError     *string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so mutations never leak into a caller's value.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}

	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.NextAttemptAt != nil {
		t := *n.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if n.LastError != nil {
		e := *n.LastError
		c.LastError = &e
	}
	return &c
}

// CheckInvariants validates the record-level invariants that every persisted state must hold.
func (n *Notification) CheckInvariants() error {
	if !n.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrIntegrity, n.Status)
	}
	if n.AttemptCount < 0 {
		return fmt.Errorf("%w: negative attempt count", ErrIntegrity)
	}
	if n.MaxAttempts > 0 && n.AttemptCount > n.MaxAttempts {
		return fmt.Errorf("%w: attempt count %d exceeds max attempts %d", ErrIntegrity, n.AttemptCount, n.MaxAttempts)
	}
	if (n.Status == StatusRetrying) != (n.NextAttemptAt != nil) {
		return fmt.Errorf("%w: next attempt time must be set iff status is retrying", ErrIntegrity)
	}
	return nil
}

// ValidateMetadata rejects non-scalar metadata values.
func ValidateMetadata(metadata map[string]any) error {
	for key, value := range metadata {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: metadata keys must not be empty", ErrValidation)
		}
		switch value.(type) {
		case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return fmt.Errorf("%w: metadata %q must be a scalar value", ErrValidation, key)
		}
	}
	return nil
}

// MetadataString returns metadata[key] when it is a non-empty string.
func (n *Notification) MetadataString(key string) (string, bool) {
	if n == nil || n.Metadata == nil {
		return "", false
	}
	value, ok := n.Metadata[key].(string)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
