package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtest/flowtest/pkg/errs"
)

func TestBackoffDoublesFromInitialDelay(t *testing.T) {
	initial := 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, Backoff(initial, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(initial, 2))
	assert.Equal(t, 400*time.Millisecond, Backoff(initial, 3))
	assert.Equal(t, 800*time.Millisecond, Backoff(initial, 4))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	assert.Equal(t, MaxDelay, Backoff(10*time.Second, 3))
	assert.Equal(t, MaxDelay, Backoff(time.Second, 60))
}

func TestBackoffZeroInitialDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, 5))
}

func TestDecideFailsOnNilError(t *testing.T) {
	policy := NewPolicy()

	decision := policy.Decide(nil, 1, Options{MaxAttempts: 3})

	assert.Equal(t, ActionFail, decision.Action)
}

func TestDecideFailsWhenAttemptsExhausted(t *testing.T) {
	policy := NewPolicy()
	err := errs.NewNetworkError("op", "timeout", nil)

	decision := policy.Decide(err, 3, Options{MaxAttempts: 3})

	assert.Equal(t, ActionFail, decision.Action)
}

func TestDecideNeverRetriesAuthenticationErrors(t *testing.T) {
	policy := NewPolicy()
	err := errs.NewAuthenticationError("op", "401", nil)

	decision := policy.Decide(err, 1, Options{MaxAttempts: 5})

	assert.Equal(t, ActionFail, decision.Action)
}

func TestDecideNeverRetriesValidationErrors(t *testing.T) {
	policy := NewPolicy()
	err := errs.NewValidationError("op", "schema mismatch", nil)

	decision := policy.Decide(err, 1, Options{MaxAttempts: 5})

	assert.Equal(t, ActionFail, decision.Action)
}

func TestDecideRetriesTransientErrorsWithBackoff(t *testing.T) {
	policy := NewPolicy()
	opts := Options{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond}

	decision := policy.Decide(errs.NewNetworkError("op", "timeout", nil), 2, opts)

	require.Equal(t, ActionRetry, decision.Action)
	assert.Equal(t, 100*time.Millisecond, decision.Delay)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	attempts, err := Do(context.Background(), NewPolicy(), Options{MaxAttempts: 3}, func(_ context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0

	attempts, err := Do(context.Background(), NewPolicy(), Options{MaxAttempts: 5}, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errs.NewNetworkError("op", "timeout", nil)
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	underlying := errs.NewNetworkError("op", "timeout", nil)

	attempts, err := Do(context.Background(), NewPolicy(), Options{MaxAttempts: 3}, func(_ context.Context) error {
		calls++

		return underlying
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)

	var exhausted *errs.ExhaustedError

	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.Is(err, underlying))
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0

	attempts, err := Do(context.Background(), NewPolicy(), Options{MaxAttempts: 5}, func(_ context.Context) error {
		calls++

		return errs.NewAuthenticationError("op", "401", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Do(ctx, NewPolicy(), Options{MaxAttempts: 3}, func(_ context.Context) error {
		t.Fatal("fn must not run after cancellation")

		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, attempts)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()

	_, err := Do(ctx, NewPolicy(), Options{MaxAttempts: 3, InitialDelay: 5 * time.Second}, func(_ context.Context) error {
		return errs.NewNetworkError("op", "timeout", nil)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}
