package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxAttempts: 5, Retryable: func(error) bool { return false }}
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	}, nil)
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestDoCustomPredicate(t *testing.T) {
	calls := 0
	retries := 0
	p := RetryPolicy{MaxAttempts: 3, Retryable: func(err error) bool { return errors.Is(err, errBoom) }}
	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errBoom
		}
		return "ok", nil
	}, func(error) { retries++ })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, retries)
}

func TestDoHonorsDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, Delay: 30 * time.Millisecond, Retryable: func(error) bool { return true }}
	start := time.Now()
	_, err := Do(context.Background(), p, func(context.Context) (int, error) { return 0, errBoom }, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Delay)
	assert.True(t, p.retryable(errUnavailable))
	assert.False(t, p.retryable(errBadRequest))
}
