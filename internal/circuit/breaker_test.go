package circuit

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerBasicFunctionality(t *testing.T) {
	cfg := Config{
		MaxRequests: 3,
		Interval:    time.Second,
		Timeout:     time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	cb := NewCircuitBreaker("test", cfg)

	if cb.State() != StateClosed {
		t.Fatalf("expected initial state CLOSED, got %s", cb.State())
	}

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(func() (interface{}, error) {
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "ok" {
			t.Fatalf("expected result %q, got %v", "ok", result)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected state to remain CLOSED after successes, got %s", cb.State())
	}
}

func TestCircuitBreakerTripsOpenOnConsecutiveFailures(t *testing.T) {
	cfg := Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 50 * time.Millisecond,
	}
	cb := NewCircuitBreaker("svc-a", cfg)
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, failing
		})
		if !errors.Is(err, failing) {
			t.Fatalf("expected failing error, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected state OPEN after 3 consecutive failures, got %s", cb.State())
	}

	if _, err := cb.Execute(func() (interface{}, error) { return "unreachable", nil }); err == nil {
		t.Fatal("expected open breaker to reject the request")
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := Config{
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
		Timeout:     10 * time.Millisecond,
		MaxRequests: 1,
	}
	cb := NewCircuitBreaker("svc-b", cfg)

	if _, err := cb.Execute(func() (interface{}, error) { return nil, errors.New("fail") }); err == nil {
		t.Fatal("expected the seeding call to fail")
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout elapsed, got %s", cb.State())
	}

	if _, err := cb.Execute(func() (interface{}, error) { return "recovered", nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after a successful half-open probe, got %s", cb.State())
	}
}
