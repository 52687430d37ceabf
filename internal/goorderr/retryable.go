// Package goorderr defines the error classes that decide how a failed
// operation is handled: retried, retried with the outage policy or failed
// without retrying.
package goorderr

import (
	"fmt"
	"time"
)

type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
	// Outage is true when the remote service is unreachable or reported
	// that it is unavailable. Outages are retried with a separate, longer
	// policy.
	Outage bool
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

// NewOutageError returns a RetryableError that is marked as outage.
func NewOutageError(originalErr error) *RetryableError {
	return &RetryableError{
		Err:    originalErr,
		Outage: true,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	prefix := "retryable error"
	if e.Outage {
		prefix = "retryable outage error"
	}

	if e.After.IsZero() {
		return fmt.Sprintf("%s: %s", prefix, e.Err)
	}

	return fmt.Sprintf("%s (after %s): %s", prefix, e.After, e.Err)
}
