package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mutation is a pure state transition applied to a copy of a record inside a
// compare-and-swap. It may only change Status, AttemptCount, LastError and NextAttemptAt;
// stores persist nothing else from the mutated copy.
type Mutation func(n *Notification, now time.Time) error

func transitionError(from Status, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func requireStatus(n *Notification, to Status, allowed ...Status) error {
	for _, s := range allowed {
		if n.Status == s {
			return nil
		}
	}
	return transitionError(n.Status, to)
}

func attemptsLeft(n *Notification) bool {
	return n.MaxAttempts <= 0 || n.AttemptCount < n.MaxAttempts
}

func errorPtr(reason string) *string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return &reason
}

// MarkQueued moves a freshly persisted record to queued once its delivery message is handed off.
func MarkQueued() Mutation {
	return func(n *Notification, _ time.Time) error {
		if err := requireStatus(n, StatusQueued, StatusPending); err != nil {
			return err
		}
		n.Status = StatusQueued
		return nil
	}
}

// Requeue moves a due retrying record back to queued.
func Requeue() Mutation {
	return func(n *Notification, _ time.Time) error {
		if err := requireStatus(n, StatusQueued, StatusRetrying); err != nil {
			return err
		}
		n.Status = StatusQueued
		n.NextAttemptAt = nil
		return nil
	}
}

// Touch bumps the version of a queued record without changing its state.
func Touch() Mutation {
	return func(n *Notification, _ time.Time) error {
		return requireStatus(n, StatusQueued, StatusQueued)
	}
}

// Unqueue reverts a queued record whose hand-off failed to the state it came from.
func Unqueue(previous Status, nextAttemptAt *time.Time) Mutation {
	return func(n *Notification, now time.Time) error {
		if err := requireStatus(n, previous, StatusQueued); err != nil {
			return err
		}
		switch previous {
		case StatusPending:
			n.Status = StatusPending
			n.NextAttemptAt = nil
		case StatusRetrying:
			next := now
			if nextAttemptAt != nil {
				next = *nextAttemptAt
			}
			n.Status = StatusRetrying
			n.NextAttemptAt = &next
		case StatusQueued:
		default:
			return transitionError(n.Status, previous)
		}
		return nil
	}
}

// Claim takes ownership of a record for one delivery attempt.
func Claim() Mutation {
	return func(n *Notification, _ time.Time) error {
		if err := requireStatus(n, StatusSending, StatusQueued, StatusRetrying); err != nil {
			return err
		}
		if !attemptsLeft(n) {
			return fmt.Errorf("%w: %d/%d", ErrAttemptsExhausted, n.AttemptCount, n.MaxAttempts)
		}
		n.Status = StatusSending
		n.AttemptCount++
		n.NextAttemptAt = nil
		return nil
	}
}

// MarkSent records a successful delivery.
func MarkSent() Mutation {
	return func(n *Notification, _ time.Time) error {
		if err := requireStatus(n, StatusSent, StatusSending); err != nil {
			return err
		}
		n.Status = StatusSent
		n.LastError = nil
		n.NextAttemptAt = nil
		return nil
	}
}

// ScheduleRetry records a retryable failure and parks the record until nextAttemptAt.
func ScheduleRetry(reason string, nextAttemptAt time.Time) Mutation {
	return func(n *Notification, _ time.Time) error {
		if err := requireStatus(n, StatusRetrying, StatusSending); err != nil {
			return err
		}
		if !attemptsLeft(n) {
			return fmt.Errorf("%w: %d/%d", ErrAttemptsExhausted, n.AttemptCount, n.MaxAttempts)
		}
		next := nextAttemptAt
		n.Status = StatusRetrying
		n.LastError = errorPtr(reason)
		n.NextAttemptAt = &next
		return nil
	}
}

// DeadLetter moves a record to the terminal failure state. From sending it applies to
// any failed attempt; from queued or retrying only when no attempts are left.
func DeadLetter(reason string) Mutation {
	return func(n *Notification, _ time.Time) error {
		switch n.Status {
		case StatusSending:
		case StatusQueued, StatusRetrying:
			if attemptsLeft(n) {
				return transitionError(n.Status, StatusDeadLettered)
			}
		default:
			return transitionError(n.Status, StatusDeadLettered)
		}
		n.Status = StatusDeadLettered
		n.LastError = errorPtr(reason)
		n.NextAttemptAt = nil
		return nil
	}
}

// ReleaseClaim resolves a claim whose owner never reported back, counting the attempt
// as a retryable failure.
func ReleaseClaim(reason string, nextAttemptAt time.Time) Mutation {
	return func(n *Notification, now time.Time) error {
		if err := requireStatus(n, StatusRetrying, StatusSending); err != nil {
			return err
		}
		if attemptsLeft(n) {
			return ScheduleRetry(reason, nextAttemptAt)(n, now)
		}
		return DeadLetter(reason)(n, now)
	}
}

// Override is the operator escape hatch: it bypasses the transition table but keeps
// the record invariants intact.
func Override(status Status) Mutation {
	return func(n *Notification, now time.Time) error {
		if !status.IsValid() {
			return fmt.Errorf("%w: invalid status %q", ErrValidation, status)
		}
		n.Status = status
		switch status {
		case StatusRetrying:
			next := now
			n.NextAttemptAt = &next
		default:
			n.NextAttemptAt = nil
		}
		if status == StatusSent {
			n.LastError = nil
		}
		return nil
	}
}

// Apply runs a mutation against a copy of n and returns the updated copy with the
// version bumped. It is the single code path every store uses for compare-and-swap.
func Apply(n *Notification, mutation Mutation, now time.Time) (*Notification, error) {
	if n == nil {
		return nil, ErrNotFound
	}
	if mutation == nil {
		return nil, fmt.Errorf("%w: mutation is required", ErrValidation)
	}

	updated := n.Clone()
	if err := mutation(updated, now); err != nil {
		return nil, err
	}

	// Immutable fields are restored from the original whatever the mutation did.
	updated.ID = n.ID
	updated.UserID = n.UserID
	updated.Title = n.Title
	updated.Message = n.Message
	updated.Channel = n.Channel
	updated.Metadata = n.Clone().Metadata
	updated.MaxAttempts = n.MaxAttempts
	updated.CreatedAt = n.CreatedAt
	if updated.AttemptCount < n.AttemptCount {
		return nil, fmt.Errorf("%w: attempt count must not decrease", ErrIntegrity)
	}

	if err := updated.CheckInvariants(); err != nil {
		return nil, err
	}

	updated.Version = n.Version + 1
	updated.UpdatedAt = now.UTC()
	return updated, nil
}
