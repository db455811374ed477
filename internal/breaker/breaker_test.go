package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, recovery time.Duration) *Breaker {
	return New("test", Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	}, zap.NewNop())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	boom := errors.New("boom")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Do(ctx, func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Further calls are rejected without running the function
	called := false
	err := b.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	boom := errors.New("boom")
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return boom }))
	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return boom }))
	require.NoError(t, b.Do(ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := newTestBreaker(2, 20*time.Millisecond)
	boom := errors.New("boom")
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return boom }))
	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return boom }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	t.Run("failed probe reopens", func(t *testing.T) {
		err := b.Do(ctx, func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("successful probe closes", func(t *testing.T) {
		time.Sleep(30 * time.Millisecond)
		require.Equal(t, StateHalfOpen, b.State())

		err := b.Do(ctx, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreaker_OpenErrorIncludesCooldown(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(ctx context.Context) error { return errors.New("boom") }))

	err := b.Do(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "retries in")
}
