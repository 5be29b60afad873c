// Package ratelimit implements an adaptive outbound call governor: a
// current rate bounded by [MinRate, MaxRate], adjusted by recent
// success ratio and execution latency. The success/failure counters
// never decay; only the execution-time window is bounded.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMinRate     = 1.0
	defaultMaxRate     = 100.0
	defaultInitialRate = 10.0
	executionWindow    = 100
)

// Config configures a RateLimiter.
type Config struct {
	MinRate     float64 // default 1
	MaxRate     float64 // default 100
	InitialRate float64 // default 10
}

func (c Config) withDefaults() Config {
	if c.MinRate <= 0 {
		c.MinRate = defaultMinRate
	}
	if c.MaxRate <= 0 {
		c.MaxRate = defaultMaxRate
	}
	if c.InitialRate <= 0 {
		c.InitialRate = defaultInitialRate
	}
	return c
}

// RateLimiter wraps an x/time/rate.Limiter (a single-token bucket,
// burst 1) whose Limit is adjusted as successes and failures accrue.
type RateLimiter struct {
	cfg Config

	mu           sync.Mutex
	currentRate  float64
	limiter      *rate.Limiter
	successCount int
	failureCount int
	execTimes    []time.Duration
}

// New creates a RateLimiter with CurrentRate = InitialRate.
func New(cfg Config) *RateLimiter {
	cfg = cfg.withDefaults()
	rl := &RateLimiter{
		cfg:         cfg,
		currentRate: cfg.InitialRate,
	}
	rl.limiter = rate.NewLimiter(rate.Limit(cfg.InitialRate), 1)
	return rl
}

// Acquire delays the caller until at least 1/CurrentRate seconds have
// elapsed since the previous acquire, or returns ctx.Err() if cancelled
// first.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	rl.mu.Lock()
	limiter := rl.limiter
	rl.mu.Unlock()
	return limiter.Wait(ctx)
}

// RecordSuccess registers a successful call and its execution time. On
// every 10th success, if the success ratio exceeds 0.95 and the average
// of the last 100 execution times is under 0.5s, the current rate is
// raised by 10% (capped at MaxRate).
func (rl *RateLimiter) RecordSuccess(execTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successCount++
	rl.execTimes = append(rl.execTimes, execTime)
	if len(rl.execTimes) > executionWindow {
		rl.execTimes = rl.execTimes[len(rl.execTimes)-executionWindow:]
	}

	if rl.successCount%10 == 0 {
		total := rl.successCount + rl.failureCount
		ratio := 0.0
		if total > 0 {
			ratio = float64(rl.successCount) / float64(total)
		}
		avg := rl.averageExecTimeLocked()
		if ratio > 0.95 && avg < 500*time.Millisecond {
			rl.setRateLocked(rl.currentRate * 1.1)
		}
	}
}

// RecordFailure registers a failed call. On every 3rd failure, the
// current rate is lowered by 20% (floored at MinRate).
func (rl *RateLimiter) RecordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failureCount++
	if rl.failureCount%3 == 0 {
		rl.setRateLocked(rl.currentRate * 0.8)
	}
}

func (rl *RateLimiter) setRateLocked(next float64) {
	if next > rl.cfg.MaxRate {
		next = rl.cfg.MaxRate
	}
	if next < rl.cfg.MinRate {
		next = rl.cfg.MinRate
	}
	rl.currentRate = next
	rl.limiter.SetLimit(rate.Limit(next))
}

func (rl *RateLimiter) averageExecTimeLocked() time.Duration {
	if len(rl.execTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range rl.execTimes {
		sum += d
	}
	return sum / time.Duration(len(rl.execTimes))
}

// CurrentRate returns the current calls/second ceiling.
func (rl *RateLimiter) CurrentRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentRate
}

// Stats mirrors the limiter's counters, used by BoundedExecutor's
// Stats projection.
type Stats struct {
	CurrentRate      float64
	SuccessCount     int
	FailureCount     int
	AvgExecutionTime time.Duration
}

func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		CurrentRate:      rl.currentRate,
		SuccessCount:     rl.successCount,
		FailureCount:     rl.failureCount,
		AvgExecutionTime: rl.averageExecTimeLocked(),
	}
}
