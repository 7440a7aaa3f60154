package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-trip",
		MaxRequests: 3,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be CLOSED, got %v", cb.State())
	}

	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (any, error) {
			return nil, testErr
		})
	}

	if cb.State() != StateOpen {
		t.Errorf("Expected state to be OPEN after failures, got %v", cb.State())
	}

	_, err := cb.Execute(func() (any, error) {
		return "should not execute", nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestForceHalfOpenAllowsProbe(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-force-halfopen",
		MaxRequests: 3,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})

	testErr := errors.New("test error")
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (any, error) {
			return nil, testErr
		})
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected state to be OPEN, got %v", cb.State())
	}

	cb.ForceHalfOpen()
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be HALF_OPEN after ForceHalfOpen, got %v", cb.State())
	}

	result, err := cb.Execute(func() (any, error) {
		return "success", nil
	})
	if err != nil {
		t.Errorf("Expected request to succeed in HALF_OPEN state, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("Expected result 'success', got %v", result)
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected state to be CLOSED after successful probe, got %v", cb.State())
	}
}

func TestExecuteWithFallback(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-fallback",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_, _ = cb.Execute(func() (any, error) {
		return nil, errors.New("down")
	})
	if cb.State() != StateOpen {
		t.Fatalf("Expected OPEN, got %v", cb.State())
	}

	fallbackCalled := false
	result, err := cb.ExecuteWithFallback(
		func() (any, error) { return "live", nil },
		func(err error) (any, error) {
			fallbackCalled = true
			return "cached", nil
		},
	)
	if err != nil {
		t.Fatalf("Expected fallback success, got %v", err)
	}
	if !fallbackCalled || result != "cached" {
		t.Errorf("Expected fallback result 'cached', got %v (fallback called: %v)", result, fallbackCalled)
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	stateChanges := []string{}
	cb := NewCircuitBreaker(Settings{
		Name:        "test-recovery",
		MaxRequests: 3,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(name string, from State, to State) {
			stateChanges = append(stateChanges, from.String()+"->"+to.String())
		},
	})

	testErr := errors.New("down")
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected OPEN, got %v", cb.State())
	}

	// Wait out the open timeout, then a successful probe closes the breaker.
	time.Sleep(60 * time.Millisecond)
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("Expected probe to pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected CLOSED after recovery, got %v", cb.State())
	}

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(stateChanges) != len(want) {
		t.Fatalf("Expected %v, got %v", want, stateChanges)
	}
	for i := range want {
		if stateChanges[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], stateChanges[i])
		}
	}
}
