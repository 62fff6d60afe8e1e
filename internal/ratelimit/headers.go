package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Rate limit response headers
const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"       // unix epoch seconds, fractional
	headerResetAfter = "X-RateLimit-Reset-After" // seconds, fractional
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerRetryAfter = "Retry-After"
)

// tooManyRequests is the JSON body of a 429 response
type tooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"` // seconds, fractional
	Global     bool    `json:"global"`
}

// parseBucketHeaders extracts bucket accounting from response headers.
// Reset-After is preferred over Reset since it is immune to clock skew.
func parseBucketHeaders(h http.Header) (remaining, limit int, resetAt time.Time, ok bool) {
	rem := h.Get(headerRemaining)
	if rem == "" {
		return 0, 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, 0, time.Time{}, false
	}

	limit, _ = strconv.Atoi(h.Get(headerLimit))

	if after := h.Get(headerResetAfter); after != "" {
		if secs, err := strconv.ParseFloat(after, 64); err == nil {
			resetAt = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	} else if reset := h.Get(headerReset); reset != "" {
		if epoch, err := strconv.ParseFloat(reset, 64); err == nil {
			sec := int64(epoch)
			nsec := int64((epoch - float64(sec)) * float64(time.Second))
			resetAt = time.Unix(sec, nsec)
		}
	}

	return remaining, limit, resetAt, true
}

// RetryAfter extracts the wait imposed by a 429 response. The JSON body
// carries fractional seconds and wins over the whole-second header. A
// response carrying neither gets a conservative one second.
func RetryAfter(h http.Header, body []byte) time.Duration {
	var tmr tooManyRequests
	if len(body) > 0 && json.Unmarshal(body, &tmr) == nil && tmr.RetryAfter > 0 {
		return time.Duration(tmr.RetryAfter * float64(time.Second))
	}

	if header := h.Get(headerRetryAfter); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}

	return time.Second
}

// IsGlobal reports whether a 429 applies to the global limit rather than
// the route bucket
func IsGlobal(h http.Header, body []byte) bool {
	if h.Get(headerGlobal) == "true" {
		return true
	}
	var tmr tooManyRequests
	return len(body) > 0 && json.Unmarshal(body, &tmr) == nil && tmr.Global
}
