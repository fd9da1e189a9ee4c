package provider

import (
	"errors"
	"fmt"
)

// ErrorCategory normalizes identity provider failures.
type ErrorCategory string

const (
	// ErrorRejected means the provider refused the bearer credential.
	ErrorRejected ErrorCategory = "rejected"

	// ErrorNotFound means the provider has no user for the credential.
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorBadData means the provider answered 200 with a body that failed validation.
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorTimeout means the call, or the wait for a call slot, exceeded its deadline.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorOutage covers transport failures and unexpected statuses.
	ErrorOutage ErrorCategory = "provider_outage"
)

// Error wraps a provider failure with its category and HTTP status, when one was received.
type Error struct {
	Category   ErrorCategory
	StatusCode int
	Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("identity provider [%s]", e.Category)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s status %d", msg, e.StatusCode)
	}
	if e.Underlying != nil {
		return msg + ": " + e.Underlying.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(category ErrorCategory, status int, underlying error) *Error {
	return &Error{Category: category, StatusCode: status, Underlying: underlying}
}

// CategoryOf extracts the category from err, defaulting to ErrorOutage.
func CategoryOf(err error) ErrorCategory {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorOutage
}
