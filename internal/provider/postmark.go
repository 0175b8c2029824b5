package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/mrz1836/postmark"
)

// PostmarkAPI is the subset of the Postmark client used for delivery.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// Postmark API error codes that mean the message can never be delivered as-is.
var permanentPostmarkCodes = map[int64]struct{}{
	300: {}, // invalid email request
	400: {}, // sender signature not found
	401: {}, // sender signature not confirmed
	406: {}, // inactive recipient
	422: {}, // invalid JSON
}

// PostmarkProvider delivers email channel notifications through Postmark.
type PostmarkProvider struct {
	client PostmarkAPI
	from   string
	stream string
}

func NewPostmarkProvider(client PostmarkAPI, from string, stream string) (*PostmarkProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("postmark client is required")
	}
	if !strings.Contains(from, "@") {
		return nil, fmt.Errorf("valid sender address is required")
	}
	return &PostmarkProvider{client: client, from: strings.TrimSpace(from), stream: stream}, nil
}

func NewPostmarkProviderFromTokens(serverToken, accountToken, from, stream string) (*PostmarkProvider, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	return NewPostmarkProvider(postmark.NewClient(serverToken, accountToken), from, stream)
}

func (p *PostmarkProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	to, err := emailRecipient(notification)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:          p.from,
		To:            to,
		Subject:       notification.Title,
		TextBody:      notification.Message,
		Tag:           notification.Channel.String(),
		MessageStream: p.stream,
		Metadata:      map[string]string{"notificationId": notification.ID},
	})
	if err != nil {
		return nil, &ProviderError{
			Message:   "postmark request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if resp.ErrorCode > 0 {
		_, permanent := permanentPostmarkCodes[int64(resp.ErrorCode)]
		return nil, &ProviderError{
			Message:   fmt.Sprintf("postmark error %d: %s", resp.ErrorCode, resp.Message),
			Transient: !permanent,
		}
	}

	return &ProviderResponse{MessageID: resp.MessageID, Body: resp.Message}, nil
}
