package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(attempt int) error {
		calls++
		require.Equal(t, calls, attempt)
		if attempt < 3 {
			return errConflict
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(int) error {
		calls++
		return errConflict
	})

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 4, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(int) error {
		calls++
		return Permanent(boom)
	})

	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxAttempts: 100, InitialInterval: time.Second}, func(int) error {
		return errConflict
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicyNormalized(t *testing.T) {
	t.Parallel()

	p := Policy{MaxInterval: time.Nanosecond, Jitter: 4}.normalized()
	require.Equal(t, DefaultPolicy().MaxAttempts, p.MaxAttempts)
	require.Equal(t, p.InitialInterval, p.MaxInterval)
	require.Equal(t, DefaultPolicy().Jitter, p.Jitter)
	require.Nil(t, Permanent(nil))
}
