package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies boundary errors so transports can map them to status codes
// without inspecting messages.
type Kind int

const (
	// KindInternal is an unclassified server-side failure.
	KindInternal Kind = iota
	// KindBadRequest is a malformed or invalid request.
	KindBadRequest
	// KindUnauthorized is a missing or invalid bearer key.
	KindUnauthorized
	// KindRateLimited is a tenant over its admission ceiling.
	KindRateLimited
	// KindBadGateway is an upstream provider failure.
	KindBadGateway
	// KindTimeout is the request deadline expiring.
	KindTimeout
)

// Error is the boundary error surfaced by gateway operations.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set on rate-limited errors.
	RetryAfter time.Duration
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a boundary Error from err, wrapping unclassified errors as
// internal.
func AsError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

func badRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

func unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Message: "unauthorized"}
}

func rateLimited(reason string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: reason, RetryAfter: retryAfter}
}

func badGateway(err error) *Error {
	return &Error{Kind: KindBadGateway, Message: "upstream request failed", cause: err}
}

func timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Message: "request deadline exceeded", cause: err}
}
