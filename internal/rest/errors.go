package rest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited means a request was answered 429 and the single
	// retry was answered 429 again.
	ErrRateLimited = errors.New("rate limited by API")

	// ErrTimeout means the caller's deadline expired before the request
	// could be admitted and answered.
	ErrTimeout = errors.New("request timed out")

	// ErrUnavailable means the circuit breaker is open and the request
	// was refused without touching the network.
	ErrUnavailable = errors.New("API unavailable")
)

// APIError is a non-2xx response that is neither a rate limit nor a
// transport failure. Status is the HTTP status, Code and Message come
// from the JSON error body when present.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// rateLimitError carries the retry delay of one 429 between attempts.
// It never escapes the package; callers see ErrRateLimited.
type rateLimitError struct {
	retryAfter time.Duration
	global     bool
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}
