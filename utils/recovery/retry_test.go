package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrier_Do_SucceedsFirstTry(t *testing.T) {
	r := NewRetrier(DefaultRetryConfig())
	calls := 0

	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Do_RetriesRetryableError(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Strategy:     FixedDelay,
	})
	calls := 0

	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_Do_StopsOnNonRetryableError(t *testing.T) {
	r := NewRetrier(DefaultRetryConfig())
	calls := 0

	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("unauthorized")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Do_GivesUpAfterMaxAttempts(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Strategy:     FixedDelay,
	})
	calls := 0

	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("temporary failure")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	metrics := r.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalFailures)
	assert.Equal(t, int64(2), metrics.TotalRetries)
}

func TestRetrier_Do_RespectsContextCancellation(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Strategy:     FixedDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func() error {
		return errors.New("connection refused")
	})

	require.Error(t, err)
}

func TestRetrier_calculateDelay_CapsAtMaxDelay(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Strategy:     ExponentialBackoff,
		Jitter:       false,
	})

	delay := r.calculateDelay(5)
	assert.Equal(t, 2*time.Second, delay)
}

func TestFibonacci(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 1, 3: 2, 4: 3, 5: 5, 6: 8}
	for n, want := range cases {
		assert.Equal(t, want, fibonacci(n))
	}
}

func TestContains(t *testing.T) {
	assert.True(t, contains("connection timeout", "timeout"))
	assert.True(t, contains("timeout", "timeout"))
	assert.False(t, contains("ok", "timeout"))
}
