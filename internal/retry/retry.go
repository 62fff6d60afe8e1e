package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for i := 0; i < cfg.MaxRetries; i++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry on last attempt
		if i < cfg.MaxRetries-1 {
			// Exponential backoff: delay * 2^i
			delay := time.Duration(1<<uint(i)) * cfg.RetryDelay
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Backoff produces exponentially growing delays across consecutive
// failures. Zero value is not usable; set Base and Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempts int
}

// Next returns the delay before the upcoming attempt and advances the
// failure counter. Delays follow Base * 2^n with 25% random jitter,
// clamped to Cap.
func (b *Backoff) Next() time.Duration {
	d := b.Base << uint(b.attempts)
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	b.attempts++

	// Jitter avoids synchronized reconnect storms
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Reset clears the failure counter after a successful attempt
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failures recorded
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Sleep waits for d or until ctx is cancelled
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
