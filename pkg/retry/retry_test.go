package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), fast, nil, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("503")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("execution reverted")
	calls := 0
	_, err := WithRetry(context.Background(), fast, func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) (struct{}, error) {
			calls++
			return struct{}{}, permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhausts(t *testing.T) {
	cause := errors.New("timeout")
	_, err := WithRetry(context.Background(), fast, nil, func(context.Context) (string, error) {
		return "", cause
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := WithRetry(ctx, fast, nil, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
