package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sqlStateErr struct{ code string }

func (e *sqlStateErr) Error() string    { return "pg error " + e.code }
func (e *sqlStateErr) SQLState() string { return e.code }

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestIncentives_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)

	tx := TxConfig()
	require.Equal(t, 5, tx.MaxAttempts)
	require.Less(t, tx.BaseBackoff, cfg.BaseBackoff)
}

func TestIncentives_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("retries serialization failures", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("failed to commit: %w", &sqlStateErr{code: "40001"})
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return errors.New("connection reset by peer")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, attempts)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		t.Parallel()
		permanent := errors.New("reward already exists")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable predicate", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig()
		cfg.Retryable = func(err error) bool { return err.Error() == "again" }
		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			if attempts == 1 {
				return errors.New("again")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestIncentives_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(&sqlStateErr{code: "40001"}))
	require.True(t, IsRetryable(&sqlStateErr{code: "40P01"}))
	require.False(t, IsRetryable(&sqlStateErr{code: "23505"}))
	require.True(t, IsRetryable(errors.New("Service Unavailable")))
	require.False(t, IsRetryable(errors.New("insufficient balance")))
}

func TestIncentives_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	max := 50 * time.Millisecond
	for attempt := 1; attempt <= 6; attempt++ {
		b := calculateBackoff(base, max, attempt)
		require.LessOrEqual(t, b, max)
		require.Greater(t, b, time.Duration(0))
	}
}
