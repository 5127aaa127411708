// Package errs defines the error taxonomy shared by the API and the
// delivery worker. Provider failures are split into transient errors,
// which the worker retries with backoff, and permanent errors, which
// terminate the message immediately.
package errs

import (
	"errors"
	"fmt"
)

// ErrRateLimited indicates a tenant throughput cap was hit. The message
// is deferred, never failed.
var ErrRateLimited = errors.New("tenant rate limit exceeded")

// ErrSuppressedRecipient indicates the recipient has opted out. The
// message is skipped, which is not an error state for the producer.
var ErrSuppressedRecipient = errors.New("recipient has opted out")

// ValidationError rejects bad input at enqueue time. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for a request field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError wraps an outbound provider failure with its retry class.
type ProviderError struct {
	Permanent bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent provider error: %v", e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable (timeouts, throttling, 5xx).
func Transient(err error) error {
	return &ProviderError{Permanent: false, Err: err}
}

// Permanent marks err as unretryable (invalid number, rejected address).
func Permanent(err error) error {
	return &ProviderError{Permanent: true, Err: err}
}

// IsPermanent reports whether err carries the permanent provider class.
// Unclassified errors default to transient so an unknown failure gets
// the benefit of a retry.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}
