package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSESClient struct {
	sendFn func(ctx context.Context, params *ses.SendEmailInput) (*ses.SendEmailOutput, error)
}

func (f *fakeSESClient) SendEmail(ctx context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return f.sendFn(ctx, params)
}

type fakeSNSClient struct {
	publishFn func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
}

func (f *fakeSNSClient) Publish(ctx context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return f.publishFn(ctx, params)
}

type fakePostmarkClient struct {
	sendFn func(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

func (f *fakePostmarkClient) SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	return f.sendFn(ctx, email)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	noop := ProviderFunc(func(context.Context, domain.Notification) (*ProviderResponse, error) {
		return &ProviderResponse{}, nil
	})

	if err := reg.Register(" SMS ", noop); err != nil {
		t.Fatalf("Register() unexpected error = %v", err)
	}
	if err := reg.Register(domain.ChannelEmail, noop); err != nil {
		t.Fatalf("Register() unexpected error = %v", err)
	}
	if err := reg.Register("", noop); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Register(\"\") error = %v, want ErrValidation", err)
	}
	if err := reg.Register(domain.ChannelInApp, nil); err == nil {
		t.Fatal("Register(nil) expected error")
	}

	if !reg.Has(domain.ChannelSMS) {
		t.Fatal("Has(sms) = false, want true")
	}
	if _, err := reg.Lookup(domain.ChannelInApp); !errors.Is(err, domain.ErrUnknownChannel) {
		t.Fatalf("Lookup(in_app) error = %v, want ErrUnknownChannel", err)
	}

	got := fmt.Sprint(reg.Channels())
	if got != "[email sms]" {
		t.Fatalf("Channels() = %s", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		err           error
		wantSuccess   bool
		wantRetryable bool
		wantReason    string
	}{
		{name: "success", err: nil, wantSuccess: true},
		{name: "transient provider error", err: Transient("throttled", nil), wantRetryable: true, wantReason: "provider error: throttled"},
		{name: "permanent provider error", err: Permanent("bad address", nil), wantReason: "provider error: bad address"},
		{name: "deadline exceeded", err: fmt.Errorf("send: %w", context.DeadlineExceeded), wantRetryable: true, wantReason: "dispatch timed out"},
		{name: "unknown channel", err: fmt.Errorf("%w: %q", domain.ErrUnknownChannel, "fax"), wantReason: `unknown channel: "fax"`},
		{name: "unclassified error", err: errors.New("boom"), wantReason: "boom"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tc.err)
			if got.Success != tc.wantSuccess || got.Retryable != tc.wantRetryable {
				t.Fatalf("Classify() = %+v", got)
			}
			if tc.wantReason != "" && got.Reason != tc.wantReason {
				t.Fatalf("Classify().Reason = %q, want %q", got.Reason, tc.wantReason)
			}
		})
	}
}

func TestSESProviderSend(t *testing.T) {
	t.Parallel()

	var captured *ses.SendEmailInput
	client := &fakeSESClient{sendFn: func(_ context.Context, params *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
		captured = params
		return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
	}}

	p, err := NewSESProvider(client, "noreply@example.com")
	if err != nil {
		t.Fatalf("NewSESProvider() error = %v", err)
	}

	resp, err := p.Send(context.Background(), testNotification())
	if err != nil {
		t.Fatalf("Send() unexpected error = %v", err)
	}
	if resp.MessageID != "ses-1" {
		t.Fatalf("MessageID = %q", resp.MessageID)
	}
	if got := captured.Destination.ToAddresses; len(got) != 1 || got[0] != "user@example.com" {
		t.Fatalf("ToAddresses = %v", got)
	}
	if aws.ToString(captured.Source) != "noreply@example.com" || aws.ToString(captured.Message.Subject.Data) != "Order shipped" {
		t.Fatalf("unexpected input %+v", captured)
	}
}

func TestSESProviderErrorClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "throttling", err: &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient}, wantTransient: true},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "SomethingBroke", Fault: smithy.FaultServer}, wantTransient: true},
		{name: "message rejected", err: &smithy.GenericAPIError{Code: "MessageRejected", Fault: smithy.FaultClient}, wantTransient: false},
		{name: "transport failure", err: errors.New("dial tcp: connection refused"), wantTransient: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeSESClient{sendFn: func(context.Context, *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
				return nil, tc.err
			}}
			p, err := NewSESProvider(client, "noreply@example.com")
			if err != nil {
				t.Fatalf("NewSESProvider() error = %v", err)
			}

			_, err = p.Send(context.Background(), testNotification())
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient(%v) = %v, want %v", err, got, tc.wantTransient)
			}
		})
	}
}

func TestEmailProvidersRequireRecipient(t *testing.T) {
	t.Parallel()

	n := testNotification()
	n.Metadata = nil

	p, err := NewSESProvider(&fakeSESClient{sendFn: func(context.Context, *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
		t.Error("SendEmail should not be called without a recipient")
		return nil, nil
	}}, "noreply@example.com")
	if err != nil {
		t.Fatalf("NewSESProvider() error = %v", err)
	}

	_, err = p.Send(context.Background(), n)
	if err == nil || IsTransient(err) {
		t.Fatalf("Send() error = %v, want permanent error", err)
	}

	n.UserID = "someone@example.com"
	if got, err := emailRecipient(n); err != nil || got != "someone@example.com" {
		t.Fatalf("emailRecipient() = %q, %v", got, err)
	}
}

func TestSNSProviderSend(t *testing.T) {
	t.Parallel()

	var captured *sns.PublishInput
	client := &fakeSNSClient{publishFn: func(_ context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		captured = params
		return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
	}}

	p, err := NewSNSProvider(client, "ACME")
	if err != nil {
		t.Fatalf("NewSNSProvider() error = %v", err)
	}

	resp, err := p.Send(context.Background(), testNotification())
	if err != nil {
		t.Fatalf("Send() unexpected error = %v", err)
	}
	if resp.MessageID != "sns-1" {
		t.Fatalf("MessageID = %q", resp.MessageID)
	}
	if aws.ToString(captured.PhoneNumber) != "+15550001111" {
		t.Fatalf("PhoneNumber = %q", aws.ToString(captured.PhoneNumber))
	}
	if aws.ToString(captured.Message) != "Order shipped: Your order is on its way" {
		t.Fatalf("Message = %q", aws.ToString(captured.Message))
	}
	if got := aws.ToString(captured.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue); got != "ACME" {
		t.Fatalf("SenderID attribute = %q", got)
	}
}

func TestSNSProviderPermanentFailure(t *testing.T) {
	t.Parallel()

	client := &fakeSNSClient{publishFn: func(context.Context, *sns.PublishInput) (*sns.PublishOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameter", Message: "bad number", Fault: smithy.FaultClient}
	}}
	p, err := NewSNSProvider(client, "")
	if err != nil {
		t.Fatalf("NewSNSProvider() error = %v", err)
	}

	_, err = p.Send(context.Background(), testNotification())
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.Transient {
		t.Fatalf("Send() error = %v, want permanent ProviderError", err)
	}
}

func TestPostmarkProviderSend(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		resp          postmark.EmailResponse
		callErr       error
		wantErr       bool
		wantTransient bool
	}{
		{name: "accepted", resp: postmark.EmailResponse{MessageID: "pm-1"}},
		{name: "inactive recipient is permanent", resp: postmark.EmailResponse{ErrorCode: 406, Message: "inactive"}, wantErr: true},
		{name: "rate limited is transient", resp: postmark.EmailResponse{ErrorCode: 429, Message: "slow down"}, wantErr: true, wantTransient: true},
		{name: "transport failure is transient", callErr: errors.New("connection reset"), wantErr: true, wantTransient: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var captured postmark.Email
			client := &fakePostmarkClient{sendFn: func(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
				captured = email
				return tc.resp, tc.callErr
			}}
			p, err := NewPostmarkProvider(client, "noreply@example.com", "outbound")
			if err != nil {
				t.Fatalf("NewPostmarkProvider() error = %v", err)
			}

			resp, err := p.Send(context.Background(), testNotification())
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Send() unexpected error = %v", err)
				}
				if resp.MessageID != "pm-1" || captured.To != "user@example.com" || captured.MessageStream != "outbound" {
					t.Fatalf("Send() = %+v, email = %+v", resp, captured)
				}
				return
			}
			if err == nil {
				t.Fatal("Send() expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
		})
	}
}

func TestLogProviderSend(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	p := NewLogProvider(zap.New(core))

	n := testNotification()
	resp, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("Send() unexpected error = %v", err)
	}
	if resp.MessageID != n.ID {
		t.Fatalf("MessageID = %q", resp.MessageID)
	}

	entries := logs.FilterField(zap.String("notificationId", n.ID)).All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
}
