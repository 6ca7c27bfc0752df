// ABOUTME: Error taxonomy for upstream fetches
// ABOUTME: Distinguishes auth failures, upstream 429s, other HTTP errors, and exhausted network retries
package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// UpstreamError is any non-2xx answer that is not an auth failure or a 429.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed (HTTP %d): %s", e.Status, e.Message)
}

// AuthenticationError is a 401/403. The account must be reconnected.
type AuthenticationError struct {
	Status  int
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.Status, e.Message)
}

// RateLimitError is the provider explicitly rejecting a request for quota.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded (HTTP 429): %s", e.Message)
}

// NetworkError means every attempt failed before an HTTP answer arrived.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from any fetch error, or 0.
func StatusCode(err error) int {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Status
	}
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		return auth.Status
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	return 0
}

func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

func IsGone(err error) bool { return StatusCode(err) == http.StatusGone }

// IsFatal reports errors that no amount of retrying will fix.
func IsFatal(err error) bool {
	var auth *AuthenticationError
	return errors.As(err, &auth)
}

func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
