package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// SESAPI is the subset of the SES client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESProvider delivers email channel notifications through Amazon SES.
type SESProvider struct {
	client SESAPI
	from   string
}

func NewSESProvider(client SESAPI, from string) (*SESProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("ses client is required")
	}
	if !strings.Contains(from, "@") {
		return nil, fmt.Errorf("valid sender address is required")
	}
	return &SESProvider{client: client, from: strings.TrimSpace(from)}, nil
}

func NewSESProviderFromConfig(cfg aws.Config, from string) (*SESProvider, error) {
	return NewSESProvider(ses.NewFromConfig(cfg), from)
}

func (p *SESProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	to, err := emailRecipient(notification)
	if err != nil {
		return nil, err
	}

	out, err := p.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(notification.Title), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(notification.Message), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(p.from),
	})
	if err != nil {
		return nil, classifyAWSError("ses", err)
	}

	return &ProviderResponse{MessageID: aws.ToString(out.MessageId)}, nil
}
