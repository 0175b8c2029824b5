package domain

import "errors"

var (
	// ErrValidation marks invalid client input. Surfaced immediately, never retried.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound marks a missing notification record.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a record id collides on create.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrVersionConflict is returned by compare-and-swap when the stored version moved.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidTransition is returned when a mutation does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownChannel is returned when no sender is registered for a channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrAttemptsExhausted is returned by Claim when no delivery attempts are left.
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
	// ErrIntegrity signals a broken ownership assumption on a claimed record.
	ErrIntegrity = errors.New("integrity violation")
	// ErrInfrastructure wraps store or broker failures.
	ErrInfrastructure = errors.New("infrastructure failure")
)
