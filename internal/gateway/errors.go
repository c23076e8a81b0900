package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a provider failure by how the caller should react.
type Kind int

const (
	// KindFatal covers authentication and configuration errors. Never retried.
	KindFatal Kind = iota
	// KindRateLimited means the provider signalled overload; back off and retry.
	KindRateLimited
	// KindServiceUnavailable is a provider-side outage; retry with a longer backoff.
	KindServiceUnavailable
	// KindTimeout is a network-level timeout.
	KindTimeout
	// KindMalformedResponse means the output could not be parsed. Retrying the
	// same request is fine; it says nothing about provider health.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindTimeout:
		return "timeout"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "fatal"
	}
}

// Retryable reports whether errors of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	return k != KindFatal
}

// Error is the only error type surfaced by the gateway and its providers.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and provider name.
func NewError(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// StatusError is returned by HTTP-based providers for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// KindOf extracts the Kind of err. Errors that did not pass through the
// gateway are classified by Classify.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return Classify(0, err)
}

// Retryable reports whether err is a recoverable gateway failure.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// Classify maps an HTTP status code and/or transport error to a Kind.
// A zero status means "no response was received".
func Classify(status int, err error) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServiceUnavailable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindFatal
	case status >= 400:
		return KindFatal
	}

	if err == nil {
		return KindFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		return Classify(se.Code, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindServiceUnavailable
	}
	return KindFatal
}
