package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/retry"
)

// Limiter gates outbound REST calls. A caller acquires a Lease on the
// route bucket (and implicitly the global limiter) before dispatch and
// releases it with the response headers so server-side accounting flows
// back into the bucket.
type Limiter struct {
	global *rate.Limiter

	mu          sync.Mutex
	buckets     map[string]*Bucket
	globalUntil time.Time // global suspension deadline from a global 429
	lastSweep   time.Time
}

// Bucket tracks rate limit accounting for one route key.
// remaining is -1 until the first response headers teach the real state.
type Bucket struct {
	mu        sync.Mutex
	key       string
	hash      string // server-assigned bucket id from X-RateLimit-Bucket
	remaining int
	limit     int
	resetAt   time.Time
}

// Lease is a granted permit for one request on one bucket
type Lease struct {
	bucket   *Bucket
	released bool
}

// NewLimiter creates a limiter with the given global requests-per-second
// budget
func NewLimiter(globalRate int) *Limiter {
	return &Limiter{
		global:    rate.NewLimiter(rate.Limit(globalRate), globalRate),
		buckets:   make(map[string]*Bucket),
		lastSweep: time.Now(),
	}
}

// Acquire blocks until the route bucket and the global limiter both admit
// one request, or ctx is done. The caller's deadline travels in ctx.
func (l *Limiter) Acquire(ctx context.Context, key string) (*Lease, error) {
	// Global suspension first: a global 429 freezes every route
	for {
		l.mu.Lock()
		wait := time.Until(l.globalUntil)
		l.mu.Unlock()
		if wait <= 0 {
			break
		}
		metrics.RateLimitWaits.WithLabelValues("global").Inc()
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	b := l.bucket(key)

	// Route bucket admission
	for {
		b.mu.Lock()
		now := time.Now()
		if b.remaining != 0 || !now.Before(b.resetAt) {
			if b.remaining == 0 {
				// Window passed; refill optimistically until headers
				// correct us
				if b.limit > 0 {
					b.remaining = b.limit
				} else {
					b.remaining = -1
				}
			}
			if b.remaining > 0 {
				b.remaining--
			}
			b.mu.Unlock()
			break
		}
		wait := b.resetAt.Sub(now)
		b.mu.Unlock()

		metrics.RateLimitWaits.WithLabelValues("route").Inc()
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	// Global token last, right before dispatch
	if err := l.global.Wait(ctx); err != nil {
		b.refund()
		return nil, err
	}

	return &Lease{bucket: b}, nil
}

// Release returns the lease and feeds response rate limit headers back
// into the bucket. headers may be nil when the request never reached the
// server. Releasing twice is a no-op.
func (l *Limiter) Release(lease *Lease, headers http.Header) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true
	if headers != nil {
		lease.bucket.update(headers)
	}
}

// SuspendBucket blocks the lease's bucket for d. Used on a route 429
// before the single automatic retry.
func (l *Limiter) SuspendBucket(lease *Lease, d time.Duration) {
	if lease == nil {
		return
	}
	b := lease.bucket
	b.mu.Lock()
	b.remaining = 0
	if until := time.Now().Add(d); until.After(b.resetAt) {
		b.resetAt = until
	}
	b.mu.Unlock()
}

// SuspendGlobal blocks every route for d. Used on a global 429.
func (l *Limiter) SuspendGlobal(d time.Duration) {
	l.mu.Lock()
	if until := time.Now().Add(d); until.After(l.globalUntil) {
		l.globalUntil = until
	}
	l.mu.Unlock()
}

// bucket returns the bucket for key, creating it on first use
func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Sweep stale buckets periodically so one-off routes do not
	// accumulate forever
	if time.Since(l.lastSweep) > 5*time.Minute {
		l.sweep()
		l.lastSweep = time.Now()
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &Bucket{key: key, remaining: -1}
		l.buckets[key] = b
	}
	return b
}

// sweep removes buckets whose reset passed long ago
func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.resetAt.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
}

// update applies server-supplied rate limit headers. Two responses can
// race here; the later reset window wins, and within one window the
// lower remaining wins.
func (b *Bucket) update(h http.Header) {
	remaining, limit, resetAt, ok := parseBucketHeaders(h)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Buckets stay keyed per route, which is finer than the server's
	// hash grouping; the hash is kept for log correlation.
	if hash := h.Get(headerBucket); hash != "" && hash != b.hash {
		b.hash = hash
		logger.L.Debug("rate limit bucket assigned",
			zap.String("route", b.key),
			zap.String("bucket", hash))
	}

	if resetAt.After(b.resetAt) {
		b.resetAt = resetAt
		b.remaining = remaining
		b.limit = limit
		return
	}
	if b.remaining < 0 || remaining < b.remaining {
		b.remaining = remaining
	}
	if limit > 0 {
		b.limit = limit
	}
}

// refund undoes a bucket decrement after the global wait failed
func (b *Bucket) refund() {
	b.mu.Lock()
	if b.remaining >= 0 {
		b.remaining++
	}
	b.mu.Unlock()
}
