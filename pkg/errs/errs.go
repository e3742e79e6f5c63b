// Package errs provides the typed error taxonomy the retry policy and the
// API layer classify failures with.
package errs

import (
	"errors"
	"fmt"
)

// Kind buckets an error for retry and reporting decisions.
type Kind string

const (
	// KindValidation marks schema/shape mismatches. Never retried.
	KindValidation Kind = "validation"

	// KindAuthentication marks authentication/authorization failures. Never retried.
	KindAuthentication Kind = "authentication"

	// KindNetwork marks transient network failures. Retryable.
	KindNetwork Kind = "network"

	// KindDatabase marks transient storage failures. Retryable.
	KindDatabase Kind = "database"

	// KindFlow marks generic flow execution failures. Retryable with limited attempts.
	KindFlow Kind = "flow"

	// KindResource marks resource allocation/lease failures. Not retried by
	// the retry policy; the scheduler may re-queue the flow once instead.
	KindResource Kind = "resource"
)

// Error wraps a failure with its kind and the operation that produced it.
type Error struct {
	Kind    Kind   // Classification used by the retry policy
	Op      string // Operation being performed (e.g., "graphql.Invoke")
	Message string // Additional context message
	Err     error  // Underlying error, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(op, message string, err error) *Error {
	return New(KindValidation, op, message, err)
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(op, message string, err error) *Error {
	return New(KindAuthentication, op, message, err)
}

// NewNetworkError creates a transient network error.
func NewNetworkError(op, message string, err error) *Error {
	return New(KindNetwork, op, message, err)
}

// NewDatabaseError creates a transient database error.
func NewDatabaseError(op, message string, err error) *Error {
	return New(KindDatabase, op, message, err)
}

// NewFlowError creates a generic flow execution error.
func NewFlowError(op, message string, err error) *Error {
	return New(KindFlow, op, message, err)
}

// NewResourceError creates a resource allocation/lease error.
func NewResourceError(op, message string, err error) *Error {
	return New(KindResource, op, message, err)
}

// KindOf extracts the kind of an error, unwrapping as needed. Errors outside
// the taxonomy report KindFlow so unexpected failures stay retryable within
// the configured attempt limit.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	return KindFlow
}

// IsValidation checks if an error is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsAuthentication checks if an error is an authentication failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsNetwork checks if an error is a transient network failure.
func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsDatabase checks if an error is a transient database failure.
func IsDatabase(err error) bool {
	return KindOf(err) == KindDatabase
}

// IsResource checks if an error is a resource allocation/lease failure.
func IsResource(err error) bool {
	return KindOf(err) == KindResource
}

// Retryable reports whether the retry policy may retry this error kind.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindDatabase, KindFlow:
		return true
	default:
		return false
	}
}

// ExhaustedError aggregates a failed attempt loop: how many attempts ran and
// the last underlying error. It is the only error surfaced upward once
// retries exhaust.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
