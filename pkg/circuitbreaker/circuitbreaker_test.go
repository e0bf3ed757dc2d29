package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(cfg)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	cb, now := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 10 * time.Second, HalfOpenMaxRequests: 1})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("err = %v, want ErrCircuitBreakerOpen", err)
	}
	if called {
		t.Fatalf("fn ran while breaker open")
	}

	*now = now.Add(11 * time.Second)
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxRequests: 1})

	_ = cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Second)
	_ = cb.Execute(func() error { return errBoom })

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	errQuota := errors.New("quota")
	cb, _ := newTestBreaker(Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		IsFailure:           func(err error) bool { return !errors.Is(err, errQuota) },
	})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return errQuota }); !errors.Is(err, errQuota) {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("quota errors tripped the breaker")
	}
}
