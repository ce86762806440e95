// Package resilience implements a retry + circuit-breaker envelope for
// outbound calls. RetryPolicy drives the consumer's client workers'
// retries of peer calls; the identity provider and policy service
// clients do not go through this package, and Breaker has no caller
// outside its tests.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/estuary/federator/internal/ferrors"
)

// RetryPolicy configures exponential backoff with jitter.
type RetryPolicy struct {
	InitialWait time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	// Deadline bounds the total wall-clock time spent retrying, zero means
	// unbounded (subject to MaxAttempts).
	Deadline time.Duration
}

// DefaultRetryPolicy returns the baseline backoff policy used when a
// caller doesn't need custom tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialWait: 200 * time.Millisecond,
		MaxBackoff:  15 * time.Minute,
		MaxAttempts: 10,
	}
}

// Do invokes fn, retrying per p while ctx is live and fn's error is
// classified as retryable by ferrors.Retryable. It returns the last
// error on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var deadlineCtx = ctx
	var cancel context.CancelFunc
	if p.Deadline > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var wait = p.InitialWait
	var err error

	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		if err = deadlineCtx.Err(); err != nil {
			return err
		}

		err = fn(deadlineCtx)
		if err == nil {
			return nil
		}
		if !ferrors.Retryable(err) {
			return err
		}

		// Jittered sleep in [wait/2, wait].
		var jittered = wait/2 + time.Duration(rand.Int64N(int64(wait/2)+1))
		select {
		case <-time.After(jittered):
		case <-deadlineCtx.Done():
			return deadlineCtx.Err()
		}

		wait *= 2
		if wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return err
}
