package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(&Config{Threshold: 3, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := New(&Config{Threshold: 3, Timeout: time.Hour})

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })

	if cb.State() != StateClosed {
		t.Fatalf("expected closed (streak broken by success), got %s", cb.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := New(&Config{Threshold: 1, Timeout: 10 * time.Millisecond})

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("trial request should pass: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", cb.State())
	}
}

func TestHostBreakerIsolatesHosts(t *testing.T) {
	hb := NewHostBreaker(&Config{Threshold: 1, Timeout: time.Hour})

	hb.Execute("10.0.0.1", func() error { return errBoom })
	if hb.State("10.0.0.1") != StateOpen {
		t.Fatalf("expected 10.0.0.1 open")
	}
	if hb.State("10.0.0.2") != StateClosed {
		t.Fatalf("other hosts must be unaffected")
	}

	hb.Reset("10.0.0.1")
	if hb.State("10.0.0.1") != StateClosed {
		t.Fatalf("expected closed after reset")
	}
}
