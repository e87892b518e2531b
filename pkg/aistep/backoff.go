package aistep

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy tunes the executor's retry loop.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultRetryPolicy matches the coordinator defaults: 3 retries, exponential
// backoff from 1s capped at 10s, up to 30% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.3,
	}
}

// ComputeBackoff returns the delay before retry attempt n (0-indexed):
// min(initial*2^n, max) plus uniform jitter of up to JitterFraction of that
// value, so concurrent retries do not synchronize.
func (p RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	return p.computeBackoff(attempt, rand.Float64)
}

func (p RetryPolicy) computeBackoff(attempt int, randFloat func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := p.InitialDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	jitter := time.Duration(randFloat() * p.JitterFraction * float64(delay))
	return delay + jitter
}

// waitBackoff sleeps for the given delay, returning early if ctx is done.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
