// Package apperr defines the error kinds shared by the payment services and
// the HTTP layer. Services return *Error values (or wrap them with %w) so
// handlers can map a failure to a status code without string matching.
package apperr

import (
	"context"
	"errors"
)

// Kind classifies an error for callers and for the HTTP envelope.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotEligible       Kind = "business_not_eligible"
	KindInvalidState      Kind = "invalid_state_transition"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindRefundExceeds     Kind = "refund_exceeds_original"
	KindProcessor         Kind = "processor_error"
	KindRateLimited       Kind = "rate_limit_exceeded"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal_error"
)

// Error is a classified application error.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation returns a validation error for a single field.
func Validation(field, message string) *Error {
	if field == "" {
		return New(KindValidation, message)
	}
	return New(KindValidation, field+": "+message)
}

// Processor wraps a failure reported by the payment processor.
func Processor(message string, retryable bool, err error) *Error {
	return &Error{Kind: KindProcessor, Message: message, Retryable: retryable, Err: err}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProcessor
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
