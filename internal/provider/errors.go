package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func Transient(message string, cause error) *ProviderError {
	return &ProviderError{Message: message, Transient: true, Cause: cause}
}

func Permanent(message string, cause error) *ProviderError {
	return &ProviderError{Message: message, Cause: cause}
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Outcome is the classified result of one dispatch.
type Outcome struct {
	Success   bool
	Retryable bool
	Reason    string
}

// ReasonTimedOut is the failure reason recorded when a send outlives its deadline.
const ReasonTimedOut = "dispatch timed out"

// Classify maps a Send result to an outcome. Unknown channels and unclassified errors
// are permanent.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Success: true}
	}

	reason := strings.TrimSpace(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimedOut
	}
	if errors.Is(err, domain.ErrUnknownChannel) {
		return Outcome{Reason: reason}
	}

	return Outcome{Retryable: IsTransient(err), Reason: reason}
}
