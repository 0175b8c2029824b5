package provider

import (
	"context"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// Provider is the outbound notification delivery port. A nil error means the channel
// accepted the notification.
type Provider interface {
	Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and logging.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, notification domain.Notification) (*ProviderResponse, error)

func (f ProviderFunc) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	return f(ctx, notification)
}

func emailRecipient(n domain.Notification) (string, error) {
	if email, ok := n.MetadataString("email"); ok {
		return email, nil
	}
	if strings.Contains(n.UserID, "@") {
		return n.UserID, nil
	}
	return "", Permanent("no email address for user", nil)
}

func phoneRecipient(n domain.Notification) (string, error) {
	if phone, ok := n.MetadataString("phone"); ok {
		return phone, nil
	}
	if strings.HasPrefix(n.UserID, "+") {
		return n.UserID, nil
	}
	return "", Permanent("no phone number for user", nil)
}
