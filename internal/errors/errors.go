package errors

import (
	"errors"
	"fmt"
)

// PipeError is the structured error type for docpipe.
// It carries everything the retry orchestrator and the logs need: a stable
// code, the taxonomy kind, and the retryable flag.
type PipeError struct {
	// Code is the unique error code (e.g., "ERR_301_UPSTREAM_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Kind classifies the error for the retry orchestrator.
	Kind Kind

	// Category is the error category (Config, Storage, Upstream, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PipeError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with PipeError.
func (e *PipeError) Is(target error) bool {
	if t, ok := target.(*PipeError); ok {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the retry orchestrator may retry this error.
func (e *PipeError) Retryable() bool {
	return e.Kind.Retryable()
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PipeError) WithDetail(key, value string) *PipeError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
// Returns the error for method chaining.
func (e *PipeError) WithSuggestion(suggestion string) *PipeError {
	e.Suggestion = suggestion
	return e
}

// HasCode reports whether any PipeError in the chain carries the code.
func HasCode(err error, code string) bool {
	for err != nil {
		var pe *PipeError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Cause
	}
	return false
}

// New creates a new PipeError with the given code and message.
// Kind, category and severity are derived from the code.
func New(code string, message string, cause error) *PipeError {
	return &PipeError{
		Code:     code,
		Message:  message,
		Kind:     kindFromCode(code),
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Newf creates a new PipeError with a formatted message.
func Newf(code string, cause error, format string, args ...any) *PipeError {
	return New(code, fmt.Sprintf(format, args...), cause)
}

// Transient creates a transient error (retryable with backoff).
func Transient(code, message string, cause error) *PipeError {
	e := New(code, message, cause)
	e.Kind = KindTransient
	return e
}

// Permanent creates a permanent error (never retried).
func Permanent(code, message string, cause error) *PipeError {
	e := New(code, message, cause)
	e.Kind = KindPermanent
	return e
}

// RateLimited creates a rate-limited error (retried with a floor delay).
func RateLimited(code, message string, cause error) *PipeError {
	e := New(code, message, cause)
	e.Kind = KindRateLimited
	return e
}

// Cancelled creates a cancellation error (not retried automatically).
func Cancelled(message string) *PipeError {
	e := New(ErrCodeCancelled, message, nil)
	e.Kind = KindCancelled
	return e
}

// LeaseLost creates a lease-lost error. The stage row stays in_progress with
// an expired lease and is reclaimed by the next begin attempt.
func LeaseLost(message string) *PipeError {
	e := New(ErrCodeLeaseLost, message, nil)
	e.Kind = KindLeaseLost
	return e
}
