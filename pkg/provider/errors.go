package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

// ErrUnsupported is returned for metrics a provider does not serve.
var ErrUnsupported = errors.New("metric not supported by provider")

// ErrorClass represents a classification of provider failures.
type ErrorClass string

const (
	// ErrorClassTimeout represents calls that ran past their deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRateLimit represents upstream throttling (HTTP 429/418).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassMalformed represents responses that could not be parsed.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassUpstream represents any other upstream or network failure.
	ErrorClassUpstream ErrorClass = "upstream"
)

// Error is a classified provider failure. It implements
// platformerrors.PlatformError so codes survive wrapping.
type Error struct {
	Provider string
	Class    ErrorClass

	// RetryAfter is the upstream's requested pause for rate_limit errors.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s %s error: %v", e.Provider, e.Class, e.Err)
	}
	return fmt.Sprintf("provider %s %s error", e.Provider, e.Class)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the class onto a platform error code.
func (e *Error) Code() platformerrors.ErrorCode {
	switch e.Class {
	case ErrorClassTimeout:
		return platformerrors.CodeTimeout
	case ErrorClassRateLimit:
		return platformerrors.CodeRateLimit
	case ErrorClassMalformed:
		return platformerrors.CodeInvalidInput
	default:
		return platformerrors.CodeNetwork
	}
}

// Classification reports malformed responses as permanent, everything else as retryable.
func (e *Error) Classification() platformerrors.ErrorClassification {
	if e.Class == ErrorClassMalformed {
		return platformerrors.ClassificationPermanent
	}
	return platformerrors.ClassificationRetryable
}

// Message implements platformerrors.PlatformError.
func (e *Error) Message() string {
	return fmt.Sprintf("provider %s %s error", e.Provider, e.Class)
}

// Context implements platformerrors.PlatformError.
func (e *Error) Context() map[string]interface{} {
	ctx := map[string]interface{}{
		"provider":    e.Provider,
		"error_class": string(e.Class),
	}
	if e.RetryAfter > 0 {
		ctx["retry_after"] = e.RetryAfter.String()
	}
	return ctx
}

// NewError builds a classified error.
func NewError(providerID string, class ErrorClass, err error) *Error {
	return &Error{Provider: providerID, Class: class, Err: err}
}

// RateLimited builds a rate_limit error carrying the upstream's retry hint.
func RateLimited(providerID string, retryAfter time.Duration, err error) *Error {
	return &Error{Provider: providerID, Class: ErrorClassRateLimit, RetryAfter: retryAfter, Err: err}
}

// Classify returns the class of err. Deadline errors are timeouts; unknown
// errors are upstream failures.
func Classify(err error) ErrorClass {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	return ErrorClassUpstream
}

// AsError returns err as a classified *Error attributed to providerID,
// wrapping it when it is not one already.
func AsError(providerID string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(providerID, Classify(err), err)
}
