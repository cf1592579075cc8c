package errors

import (
	stderrors "errors"
	"fmt"
)

// CoreError is the structured error type for Meridian Core.
// It provides rich context for error handling, logging, and user presentation.
type CoreError struct {
	// Code is the unique error code (e.g., "ERR_301_PROVIDER_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Provider, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with CoreError.
func (e *CoreError) Is(target error) bool {
	if t, ok := target.(*CoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *CoreError) WithDetail(key, value string) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new CoreError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CoreError from an existing error.
// The error's message becomes the CoreError message.
func Wrap(code string, err error) *CoreError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates an input-validation error.
func ValidationError(message string) *CoreError {
	return New(ErrCodeInvalidInput, message, nil)
}

// AuthorizationError creates an ownership-violation error.
// Callers must reject the operation with no side effect.
func AuthorizationError(message string) *CoreError {
	return New(ErrCodeNotOwner, message, nil)
}

// TransientProviderError creates a retryable provider error.
func TransientProviderError(code string, message string, cause error) *CoreError {
	e := New(code, message, cause)
	e.Retryable = true
	return e
}

// PermanentProviderError creates a non-retryable provider error
// (malformed input, auth failure). Must not be retried.
func PermanentProviderError(message string, cause error) *CoreError {
	return New(ErrCodeProviderRejected, message, cause)
}

// SearchUnavailable is the single user-facing failure mode of the search
// service when the embedding provider is down. Callers never see partial
// or stale results behind it.
func SearchUnavailable(cause error) *CoreError {
	return New(ErrCodeSearchUnavailable, "search temporarily unavailable", cause)
}

// IsRetryable checks if an error (anywhere in the chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCode extracts the error code from a CoreError in the chain.
// Returns empty string if no CoreError is present.
func GetCode(err error) string {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code string) bool {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
