package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// SNSAPI is the subset of the SNS client used for delivery.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider delivers sms channel notifications as transactional SNS text messages.
type SNSProvider struct {
	client   SNSAPI
	senderID string
}

func NewSNSProvider(client SNSAPI, senderID string) (*SNSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("sns client is required")
	}
	return &SNSProvider{client: client, senderID: senderID}, nil
}

func NewSNSProviderFromConfig(cfg aws.Config, senderID string) (*SNSProvider, error) {
	return NewSNSProvider(sns.NewFromConfig(cfg), senderID)
}

func (p *SNSProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	phone, err := phoneRecipient(notification)
	if err != nil {
		return nil, err
	}

	attributes := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if p.senderID != "" {
		attributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(smsBody(notification)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return nil, classifyAWSError("sns", err)
	}

	return &ProviderResponse{MessageID: aws.ToString(out.MessageId)}, nil
}

func smsBody(n domain.Notification) string {
	if n.Title == "" {
		return n.Message
	}
	return n.Title + ": " + n.Message
}
