package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

var transientAWSCodes = map[string]struct{}{
	"Throttling":                  {},
	"ThrottlingException":         {},
	"ThrottledException":          {},
	"RequestThrottled":            {},
	"TooManyRequestsException":    {},
	"ServiceUnavailable":          {},
	"ServiceUnavailableException": {},
	"InternalFailure":             {},
	"InternalError":               {},
	"RequestTimeout":              {},
	"RequestTimeoutException":     {},
}

// LoadAWSConfig resolves credentials from the default chain for the given region.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

// classifyAWSError wraps an SDK error as a ProviderError. Throttling and server faults
// are transient, API errors with client faults are permanent, anything without an API
// error code (transport failures) is transient.
func classifyAWSError(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, transient := transientAWSCodes[apiErr.ErrorCode()]
		return &ProviderError{
			Message:   fmt.Sprintf("%s %s", service, apiErr.ErrorCode()),
			Transient: transient || apiErr.ErrorFault() == smithy.FaultServer,
			Cause:     err,
		}
	}

	return Transient(service+" request failed", err)
}
