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

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var p = RetryPolicy{InitialWait: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5}

	var attempts int
	var err = p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return ferrors.Wrap(ferrors.Transient, errors.New("unavailable"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsImmediatelyOnNonRetryableError(t *testing.T) {
	var p = RetryPolicy{InitialWait: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5}

	var attempts int
	var wantErr = ferrors.Wrap(ferrors.Authorisation, errors.New("denied"))
	var err = p.Do(context.Background(), func(context.Context) error {
		attempts++
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	var p = RetryPolicy{InitialWait: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3}

	var attempts int
	var err = p.Do(context.Background(), func(context.Context) error {
		attempts++
		return ferrors.Wrap(ferrors.Transient, errors.New("still down"))
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	var p = RetryPolicy{InitialWait: time.Minute, MaxBackoff: time.Minute}

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var err = p.Do(ctx, func(context.Context) error {
		return ferrors.Wrap(ferrors.Transient, errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
