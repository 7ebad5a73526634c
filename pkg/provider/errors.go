package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the category of an operation error.
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuth           Kind = "auth"
	KindTimeout        Kind = "timeout"
	KindInvalidRequest Kind = "invalid_request"
	KindProvider       Kind = "provider"
	KindNetwork        Kind = "network"
	KindConfig         Kind = "config"
	KindBudget         Kind = "budget"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// Error is the provider-neutral error returned by every operation.
// Code is a stable machine-readable identifier; it defaults to the Kind.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Provider    string
	Recoverable bool
	Retryable   bool
	RetryAfter  time.Duration
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so errors.Is(err, &Error{Kind: KindAuth}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New creates an Error of the given kind. Retryable and Recoverable follow the kind.
func New(kind Kind, message string, err error) *Error {
	e := &Error{
		Kind:    kind,
		Code:    string(kind),
		Message: message,
		Err:     err,
	}
	switch kind {
	case KindRateLimit, KindTimeout, KindNetwork:
		e.Retryable = true
		e.Recoverable = true
	case KindProvider, KindBudget:
		e.Recoverable = true
	}
	return e
}

// NewRateLimitError creates a rate limit error honouring the provider's retry-after hint.
func NewRateLimitError(message string, retryAfter time.Duration, err error) *Error {
	e := New(KindRateLimit, message, err)
	e.RetryAfter = retryAfter
	return e
}

// NewAuthError creates a non-retryable authentication error.
func NewAuthError(message string, err error) *Error {
	return New(KindAuth, message, err)
}

// NewProviderError creates a non-retryable provider error.
func NewProviderError(message string, err error) *Error {
	return New(KindProvider, message, err)
}

// NewConfigError creates a configuration error.
func NewConfigError(format string, args ...any) *Error {
	return New(KindConfig, fmt.Sprintf(format, args...), nil)
}

// Classify converts any error into an *Error. Existing *Error values are
// returned as-is; context and network errors are mapped to their kinds.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, "operation cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, "operation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, "network timeout", err)
		}
		return New(KindNetwork, "network error", err)
	}
	return New(KindUnknown, "operation failed", err)
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying against the same provider.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryAfter extracts the provider's retry-after hint, or zero.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
