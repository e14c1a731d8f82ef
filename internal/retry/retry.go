// Package retry re-runs store operations that fail with transient errors,
// backing off exponentially between attempts.
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    return store.Save(ctx, item)
//	}, isTransient)
//
// Only the storage handlers retry. Neither the persistence queue nor the
// backends do, so a failing save is attempted at most Policy.Attempts times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped by the error Do returns once every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes how many attempts to make and how long to wait between
// them. The wait before attempt n (n >= 1) is Initial * 2^(n-1), capped at
// Max, plus up to Jitter * wait of random spread.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Jitter   float64
}

// DefaultPolicy is tuned for short local store hiccups such as DuckDB write
// conflicts or a Redis failover.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Initial:  10 * time.Millisecond,
		Max:      500 * time.Millisecond,
		Jitter:   0.1,
	}
}

// Retryable reports whether err is worth another attempt. A nil Retryable
// retries every error.
type Retryable func(error) bool

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. A policy with fewer than one attempt still calls fn
// once.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, retryable Retryable) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempt(s): %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempt(s): %w", ErrExhausted, attempts, lastErr)
}

// Backoff returns the wait before the given attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.Initial <= 0 {
		return 0
	}

	wait := p.Initial
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.Max > 0 && wait >= p.Max {
			wait = p.Max
			break
		}
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}

	if p.Jitter > 0 {
		wait += time.Duration(rand.Float64() * p.Jitter * float64(wait))
	}
	return wait
}
