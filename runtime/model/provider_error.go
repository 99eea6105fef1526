package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry and boundary-status decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure
	// (5xx, network) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the gateway can surface stable, structured information
// without leaking provider internals (or secrets) to clients.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required;
// cause may be nil but is recommended to preserve the original error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "openai").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the sanitized provider message.
func (e *ProviderError) Message() string { return e.message }

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.operation != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.provider, e.operation, e.message, e.kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.provider, e.message, e.kind)
}

// Unwrap exposes the underlying cause for errors.Is/As. Rate-limit kinds also
// match ErrRateLimited so generic middleware can react without importing the
// provider packages.
func (e *ProviderError) Unwrap() error { return e.cause }

// Is reports whether target matches this error. ProviderError values of kind
// rate_limited match ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	if target == ErrRateLimited {
		return e.kind == ProviderErrorKindRateLimited
	}
	return false
}

// AsProviderError extracts a *ProviderError from err when present.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
