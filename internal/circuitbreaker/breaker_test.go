package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_StateTransitions(t *testing.T) {
	breaker := NewBreaker(3, 100*time.Millisecond)

	// Initially closed
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=closed, got %v", breaker.State())
	}

	// Record failures to open
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=closed after 2 failures, got %v", breaker.State())
	}

	breaker.RecordFailure()
	if breaker.State() != StateOpen {
		t.Errorf("Expected state=open after 3 failures, got %v", breaker.State())
	}

	// Wait for cooldown
	time.Sleep(150 * time.Millisecond)

	// Should transition to half-open
	if !breaker.Allow() {
		t.Error("Expected Allow() to return true after cooldown (half-open)")
	}

	// Record success to close
	breaker.RecordSuccess()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=closed after success, got %v", breaker.State())
	}
}

func TestBreaker_OpenState(t *testing.T) {
	breaker := NewBreaker(2, 100*time.Millisecond)

	// Open the breaker
	breaker.RecordFailure()
	breaker.RecordFailure()

	if breaker.Allow() {
		t.Error("Expected Allow() to return false when open")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	breaker := NewBreaker(2, 50*time.Millisecond)

	breaker.RecordFailure()
	breaker.RecordFailure()
	time.Sleep(80 * time.Millisecond)

	if !breaker.Allow() {
		t.Fatal("Expected probe to be admitted after cooldown")
	}
	if breaker.State() != StateHalfOpen {
		t.Fatalf("Expected state=half-open, got %v", breaker.State())
	}

	// A single probe failure reopens without needing the full threshold
	breaker.RecordFailure()
	if breaker.State() != StateOpen {
		t.Errorf("Expected state=open after probe failure, got %v", breaker.State())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	breaker := NewBreaker(3, time.Second)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()

	// Counter cleared, two more failures stay below threshold
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.State() != StateClosed {
		t.Errorf("Expected state=closed, got %v", breaker.State())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
