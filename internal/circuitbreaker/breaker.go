package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs and metrics labels
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards an upstream (the REST API) against repeated failures.
// Consecutive failures open the breaker; after the cooldown one probe
// request is let through and its outcome closes or reopens it.
type Breaker struct {
	threshold int64
	cooldown  time.Duration
	mu        sync.RWMutex
	state     int32 // State (atomic)
	failures  int64 // Failure count (atomic)
	lastFail  time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(threshold int64, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     int32(StateClosed),
	}
}

// Allow reports whether a request may be dispatched
func (b *Breaker) Allow() bool {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFail := b.lastFail
		b.mu.RUnlock()
		if time.Since(lastFail) >= b.cooldown {
			// One caller wins the probe slot
			if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
				atomic.StoreInt64(&b.failures, 0)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	if State(atomic.LoadInt32(&b.state)) == StateHalfOpen {
		atomic.StoreInt32(&b.state, int32(StateClosed))
	}
	atomic.StoreInt64(&b.failures, 0)
}

// RecordFailure records a failed request. Rate-limit responses must not
// be recorded here; they are flow control, not upstream failure.
func (b *Breaker) RecordFailure() {
	state := State(atomic.LoadInt32(&b.state))

	b.mu.Lock()
	b.lastFail = time.Now()
	b.mu.Unlock()

	if state == StateHalfOpen {
		// Probe failed, reopen immediately
		atomic.StoreInt32(&b.state, int32(StateOpen))
		return
	}

	if atomic.AddInt64(&b.failures, 1) >= b.threshold {
		atomic.StoreInt32(&b.state, int32(StateOpen))
	}
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}
