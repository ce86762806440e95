package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/estuary/federator/internal/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinimumCalls:         10,
		OpenDuration:         time.Minute,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, b.Allow())
		b.Record(true)
	}
	for i := 0; i < 5; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
	}

	assert.False(t, b.Allow(), "breaker should be open once the failure rate hits the threshold")
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinimumCalls:         20,
		OpenDuration:         time.Minute,
	})

	for i := 0; i < 10; i++ {
		require.True(t, b.Allow())
		b.Record(false)
	}

	assert.True(t, b.Allow(), "breaker should stay closed until MinimumCalls is reached")
}

func TestBreakerHalfOpenAfterOpenDurationAllowsSingleTrial(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           2,
		MinimumCalls:         2,
		OpenDuration:         10 * time.Millisecond,
	})

	require.True(t, b.Allow())
	b.Record(false)
	require.True(t, b.Allow())
	b.Record(false)

	assert.False(t, b.Allow(), "breaker should be open immediately after tripping")

	time.Sleep(15 * time.Millisecond)

	assert.True(t, b.Allow(), "breaker should allow exactly one half-open trial")
	assert.False(t, b.Allow(), "a second concurrent half-open trial must be rejected")
}

func TestBreakerHalfOpenSuccessClosesAndResetsWindow(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           2,
		MinimumCalls:         2,
		OpenDuration:         10 * time.Millisecond,
	})

	require.True(t, b.Allow())
	b.Record(false)
	require.True(t, b.Allow())
	b.Record(false)
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	b.Record(true)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(true)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           2,
		MinimumCalls:         2,
		OpenDuration:         10 * time.Millisecond,
	})

	require.True(t, b.Allow())
	b.Record(false)
	require.True(t, b.Allow())
	b.Record(false)
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	b.Record(false)

	assert.False(t, b.Allow(), "a failed half-open trial should reopen the breaker")
}

func TestDoReturnsErrCircuitOpenWhenTripped(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           1,
		MinimumCalls:         1,
		OpenDuration:         time.Minute,
	})

	var err = b.Do(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err)

	err = b.Do(context.Background(), func(context.Context) error {
		t.Fatal("fn must not be invoked while the circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestWrapRetriesWithinOneBreakerCall(t *testing.T) {
	var b = NewBreaker(BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinimumCalls:         10,
		OpenDuration:         time.Minute,
	})
	var p = RetryPolicy{InitialWait: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 5}

	var attempts int
	var wrapped = Wrap(b, p, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return ferrors.Wrap(ferrors.Transient, errors.New("transient"))
		}
		return nil
	})

	require.NoError(t, wrapped(context.Background()))
	assert.Equal(t, 3, attempts, "retries happen inside a single breaker-admitted call")
}
