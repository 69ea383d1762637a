package spotify

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker()

	if b.State() != BreakerClosed {
		t.Errorf("expected initial state to be closed, got %s", b.StateString())
	}

	if !b.Allow() {
		t.Error("expected Allow() to return true in closed state")
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewBreakerWithConfig(3, 1*time.Second, 1) // 3 failures to open

	// Record 3 failures
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if b.State() != BreakerOpen {
		t.Errorf("expected state to be open after 3 failures, got %s", b.StateString())
	}

	if b.Allow() {
		t.Error("expected Allow() to return false in open state")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreakerWithConfig(3, 1*time.Second, 1)

	// Record 2 failures (not enough to open)
	b.RecordFailure()
	b.RecordFailure()

	// Record success - should reset counter
	b.RecordSuccess()

	// Record 2 more failures - still not enough
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Errorf("expected state to still be closed, got %s", b.StateString())
	}
}

func TestBreaker_TransitionsToHalfOpen(t *testing.T) {
	// Skip: This test is timing-dependent and may fail on slow/busy systems
	t.Skip("Timing-dependent test - skipped for CI stability")

	b := NewBreakerWithConfig(2, 1100*time.Millisecond, 1)

	// Open the circuit
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Fatalf("expected state to be open, got %s", b.StateString())
	}

	// Wait for reset timeout (with margin)
	time.Sleep(1200 * time.Millisecond)

	// Should transition to half-open on Allow()
	if !b.Allow() {
		t.Error("expected Allow() to return true after reset timeout")
	}

	if b.State() != BreakerHalfOpen {
		t.Errorf("expected state to be half-open, got %s", b.StateString())
	}
}

func TestBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	b := NewBreakerWithConfig(2, 1100*time.Millisecond, 2)

	// Open and wait for half-open
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(1200 * time.Millisecond)
	b.Allow() // triggers half-open

	// Failure should re-open
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Errorf("expected state to be open after failure in half-open, got %s", b.StateString())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker()

	// Open the circuit
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	if b.State() != BreakerOpen {
		t.Fatalf("expected state to be open, got %s", b.StateString())
	}

	// Reset
	b.Reset()

	if b.State() != BreakerClosed {
		t.Errorf("expected state to be closed after reset, got %s", b.StateString())
	}

	if !b.Allow() {
		t.Error("expected Allow() to return true after reset")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := NewBreaker()

	var wg sync.WaitGroup

	// Simulate concurrent access
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Allow()
			if i%2 == 0 {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
		}(i)
	}

	wg.Wait()

	// Just verify no panic occurred and state is valid
	state := b.State()
	if state != BreakerClosed && state != BreakerOpen && state != BreakerHalfOpen {
		t.Errorf("invalid state after concurrent access: %d", state)
	}
}
