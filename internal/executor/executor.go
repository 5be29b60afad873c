// Package executor admits concurrent work through both a weighted
// semaphore (hard concurrency cap) and an adaptive
// ratelimit.RateLimiter (soft pacing).
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dceops/sentryd/internal/ratelimit"
)

// BoundedExecutor runs fallible work under a fixed concurrency ceiling
// and an adaptive rate limit, tracking aggregate outcome counters.
type BoundedExecutor struct {
	sem *semaphore.Weighted
	rl  *ratelimit.RateLimiter

	mu            sync.Mutex
	totalExecuted int
	totalFailed   int
	limit         int64
	inFlight      int64
}

// Config configures a BoundedExecutor.
type Config struct {
	ConcurrencyLimit int // hard cap, required, >= 1
	RateLimit        ratelimit.Config
}

// New constructs a BoundedExecutor.
func New(cfg Config) *BoundedExecutor {
	limit := int64(cfg.ConcurrencyLimit)
	if limit < 1 {
		limit = 1
	}
	return &BoundedExecutor{
		sem:   semaphore.NewWeighted(limit),
		rl:    ratelimit.New(cfg.RateLimit),
		limit: limit,
	}
}

// Execute runs fn once a rate-limit token and a semaphore slot are both
// available, in that order, recording the outcome and execution time.
// It blocks until both are acquired or ctx is cancelled; the semaphore
// slot is released on every exit path.
func (e *BoundedExecutor) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := e.rl.Acquire(ctx); err != nil {
		return err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
		e.sem.Release(1)
	}()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.totalExecuted++
	if err != nil {
		e.totalFailed++
	}
	e.mu.Unlock()

	if err != nil {
		e.rl.RecordFailure()
	} else {
		e.rl.RecordSuccess(elapsed)
	}
	return err
}

// ExecuteMany runs fns concurrently (each still bound by the same
// semaphore and rate limiter) and returns their errors in the order the
// funcs were given. It does not stop early on the first error.
func (e *BoundedExecutor) ExecuteMany(ctx context.Context, fns []func(context.Context) error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func(context.Context) error) {
			defer wg.Done()
			errs[i] = e.Execute(ctx, fn)
		}(i, fn)
	}
	wg.Wait()
	return errs
}

// MapBounded applies fn to every item under the executor's bounds. When
// preserveOrder is true, result[i] corresponds to items[i] and a failed
// item's slot holds the zero value of R plus its error is reported
// through errs[i]; when false, only successful results are returned
// (in completion order) and failures are dropped from results but still
// counted in errs.
func MapBounded[T, R any](ctx context.Context, e *BoundedExecutor, items []T, fn func(context.Context, T) (R, error), preserveOrder bool) ([]R, []error) {
	errs := make([]error, len(items))
	if preserveOrder {
		results := make([]R, len(items))
		var wg sync.WaitGroup
		for i, item := range items {
			wg.Add(1)
			go func(i int, item T) {
				defer wg.Done()
				err := e.Execute(ctx, func(ctx context.Context) error {
					r, err := fn(ctx, item)
					if err == nil {
						results[i] = r
					}
					return err
				})
				errs[i] = err
			}(i, item)
		}
		wg.Wait()
		return results, errs
	}

	var mu sync.Mutex
	var results []R
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			var r R
			err := e.Execute(ctx, func(ctx context.Context) error {
				var innerErr error
				r, innerErr = fn(ctx, item)
				return innerErr
			})
			errs[i] = err
			if err == nil {
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}(i, item)
	}
	wg.Wait()
	return results, errs
}

// Stats is an observable snapshot of executor counters, exported via
// internal/metrics.
type Stats struct {
	TotalExecuted      int
	TotalFailed        int
	AvgExecutionTime   time.Duration
	CurrentRateLimit   float64
	SemaphoreAvailable int64
}

func (e *BoundedExecutor) Stats() Stats {
	e.mu.Lock()
	executed, failed, inFlight := e.totalExecuted, e.totalFailed, e.inFlight
	e.mu.Unlock()

	rlStats := e.rl.Stats()
	return Stats{
		TotalExecuted:      executed,
		TotalFailed:        failed,
		AvgExecutionTime:   rlStats.AvgExecutionTime,
		CurrentRateLimit:   rlStats.CurrentRate,
		SemaphoreAvailable: e.limit - inFlight,
	}
}
