package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dceops/sentryd/internal/ratelimit"
)

func fastLimiter() ratelimit.Config {
	return ratelimit.Config{MinRate: 1000, MaxRate: 1000, InitialRate: 1000}
}

func TestExecuteRunsAndRecordsSuccess(t *testing.T) {
	e := New(Config{ConcurrencyLimit: 4, RateLimit: fastLimiter()})
	err := e.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stats := e.Stats()
	if stats.TotalExecuted != 1 || stats.TotalFailed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecuteRecordsFailure(t *testing.T) {
	e := New(Config{ConcurrencyLimit: 4, RateLimit: fastLimiter()})
	wantErr := fmt.Errorf("boom")
	err := e.Execute(context.Background(), func(ctx context.Context) error { return wantErr })
	if err != wantErr {
		t.Fatalf("expected returned error to propagate, got %v", err)
	}
	stats := e.Stats()
	if stats.TotalFailed != 1 {
		t.Errorf("expected 1 failure recorded, got %d", stats.TotalFailed)
	}
}

// TestConcurrencyNeverExceedsLimit implements the concurrency-cap
// testable property: no more than ConcurrencyLimit callers ever run fn
// simultaneously, regardless of how many are submitted at once.
func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	const jobs = 30
	e := New(Config{ConcurrencyLimit: limit, RateLimit: fastLimiter()})

	var current, maxSeen int64
	fns := make([]func(context.Context) error, jobs)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}
	}

	errs := e.ExecuteMany(context.Background(), fns)
	for i, err := range errs {
		if err != nil {
			t.Errorf("job %d failed: %v", i, err)
		}
	}
	if maxSeen > limit {
		t.Errorf("observed %d concurrent executions, want <= %d", maxSeen, limit)
	}
}

// TestMapBoundedPreservesOrder implements the order-preservation
// testable property: results line up with input indices even though
// completion order varies.
func TestMapBoundedPreservesOrder(t *testing.T) {
	e := New(Config{ConcurrencyLimit: 8, RateLimit: fastLimiter()})
	items := []int{5, 1, 4, 2, 3}

	results, errs := MapBounded(context.Background(), e, items, func(ctx context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10, nil
	}, true)

	for i, err := range errs {
		if err != nil {
			t.Fatalf("item %d failed: %v", i, err)
		}
	}
	for i, item := range items {
		if results[i] != item*10 {
			t.Errorf("result[%d] = %d, want %d", i, results[i], item*10)
		}
	}
}

func TestMapBoundedOrderPreservedWithFailures(t *testing.T) {
	e := New(Config{ConcurrencyLimit: 4, RateLimit: fastLimiter()})
	items := []int{1, 2, 3, 4}

	results, errs := MapBounded(context.Background(), e, items, func(ctx context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, fmt.Errorf("even: %d", n)
		}
		return n, nil
	}, true)

	if results[0] != 1 || results[2] != 3 {
		t.Errorf("expected successful slots preserved, got %+v", results)
	}
	if errs[1] == nil || errs[3] == nil {
		t.Errorf("expected failures at even indices, got %+v", errs)
	}
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	e := New(Config{ConcurrencyLimit: 1, RateLimit: fastLimiter()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Execute(ctx, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("expected error from already-cancelled context")
	}
}
