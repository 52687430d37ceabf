package goorderr

import "fmt"

// PermanentError is returned when an operation failed and retrying it can
// not succeed, e.g. because the request was rejected as invalid or the
// credentials were refused.
type PermanentError struct {
	Err error
	// Reason is a short human readable description that is reported to
	// the user.
	Reason string
}

func NewPermanentError(originalErr error, reason string) *PermanentError {
	return &PermanentError{
		Err:    originalErr,
		Reason: reason,
	}
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func (e *PermanentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permanent error: %s", e.Err)
	}

	return fmt.Sprintf("permanent error: %s: %s", e.Reason, e.Err)
}
