package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dceops/sentryd/internal/breaker"
)

// fakeNotFoundErr implements the NotFound() marker interface docker's
// client.IsErrNotFound recognizes (errdefs.ErrNotFound), without
// depending on a running engine.
type fakeNotFoundErr struct{ msg string }

func (e *fakeNotFoundErr) Error() string { return e.msg }
func (e *fakeNotFoundErr) NotFound()     {}

func TestIsNotFoundRecognizesNotFoundInterface(t *testing.T) {
	if !isNotFound(&fakeNotFoundErr{msg: "no such container"}) {
		t.Error("expected isNotFound to recognize an error implementing NotFound()")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Error("expected isNotFound false for an unrelated error")
	}
}

// TestListContainersDegradesWhenCircuitOpen implements scenario S3: once
// the circuit is open, ListContainers returns an empty, non-error
// result rather than propagating the underlying failure, and never
// touches the engine client.
func TestListContainersDegradesWhenCircuitOpen(t *testing.T) {
	a := &nativeAdapter{cb: breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Hour})}

	for i := 0; i < 5; i++ {
		a.cb.RecordFailure()
	}
	if a.cb.State() != breaker.Open {
		t.Fatalf("expected breaker open after 5 failures, got %v", a.cb.State())
	}

	containers, err := a.ListContainers(context.Background(), false)
	if err != nil {
		t.Errorf("expected degraded nil error, got %v", err)
	}
	if containers != nil {
		t.Errorf("expected degraded empty list, got %v", containers)
	}
}

// TestBreakerOpensAfterFiveConsecutiveFailures implements scenario S3's
// threshold behavior directly against the adapter's breaker.
func TestBreakerOpensAfterFiveConsecutiveFailures(t *testing.T) {
	a := &nativeAdapter{cb: breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: 10 * time.Millisecond})}

	for i := 0; i < 4; i++ {
		a.cb.RecordFailure()
		if a.cb.State() != breaker.Closed {
			t.Fatalf("expected still closed after %d failures, got %v", i+1, a.cb.State())
		}
	}
	a.cb.RecordFailure()
	if a.cb.State() != breaker.Open {
		t.Fatalf("expected open after 5th failure, got %v", a.cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if a.cb.State() != breaker.HalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %v", a.cb.State())
	}
}

func TestClientInfoReportsMode(t *testing.T) {
	native := &nativeAdapter{cb: breaker.New(breaker.Config{})}
	if info := native.ClientInfo(); info.Mode != "native" {
		t.Errorf("expected native mode, got %q", info.Mode)
	}

	pooled := &pooledAdapter{cb: breaker.New(breaker.Config{})}
	if info := pooled.ClientInfo(); info.Mode != "pooled" {
		t.Errorf("expected pooled mode, got %q", info.Mode)
	}
}

func TestListContainersDegradesWhenCircuitOpenPooled(t *testing.T) {
	a := &pooledAdapter{cb: breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})}
	a.cb.RecordFailure()

	containers, err := a.ListContainers(context.Background(), false)
	if err != nil {
		t.Errorf("expected degraded nil error, got %v", err)
	}
	if containers != nil {
		t.Errorf("expected degraded empty list, got %v", containers)
	}
}
