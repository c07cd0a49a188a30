// Package driver defines the error taxonomy shared by the external driver
// interfaces (LLM, embedding, posting). The pipeline branches on these kinds
// instead of on concrete driver types.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError is returned by a driver when the remote endpoint throttled
// the call. RetryAfter carries the endpoint's hint; zero means unknown.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// retryableError wraps an error and marks it transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: network hiccups, 5xx responses, and
// anything the driver declares safe to retry.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err should be retried with backoff. Rate
// limit errors are transient too; callers that want the retry_after hint
// use AsRateLimit first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Per-call deadline expiry is transient; cancellation is not.
	return errors.Is(err, context.DeadlineExceeded)
}

// AsRateLimit extracts a rate-limit error and its retry hint.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
