package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialInterval(time.Millisecond), WithJitter(0)}, opts...)...)
}

func TestRetrier_Do(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := 0
		err := New().Do(context.Background(), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers after failures", func(t *testing.T) {
		calls := 0
		err := fast(WithMaxRetries(3)).Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := fast(WithMaxRetries(2)).Do(context.Background(), func(context.Context) error {
			calls++
			return errFlaky
		})
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error not retried", func(t *testing.T) {
		permanent := errors.New("bad credentials")
		r := fast(WithMaxRetries(3), WithRetryIf(func(err error) bool {
			return !errors.Is(err, permanent)
		}))
		calls := 0
		err := r.Do(context.Background(), func(context.Context) error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r := New(WithMaxRetries(5), WithInitialInterval(100*time.Millisecond))

		calls := 0
		err := r.Do(ctx, func(context.Context) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return errFlaky
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, calls)
	})

	t.Run("notifies before each retry", func(t *testing.T) {
		var attempts []int
		r := fast(WithMaxRetries(2), WithNotify(func(attempt int, err error, _ time.Duration) {
			assert.ErrorIs(t, err, errFlaky)
			attempts = append(attempts, attempt)
		}))
		_ = r.Do(context.Background(), func(context.Context) error { return errFlaky })
		assert.Equal(t, []int{1, 2}, attempts)
	})
}

func TestRetrier_Backoff(t *testing.T) {
	r := New(WithInitialInterval(time.Second), WithMultiplier(2), WithMaxInterval(5*time.Second))

	assert.Equal(t, time.Duration(0), r.Backoff(0))
	assert.Equal(t, time.Second, r.Backoff(1))
	assert.Equal(t, 2*time.Second, r.Backoff(2))
	assert.Equal(t, 4*time.Second, r.Backoff(3))
	assert.Equal(t, 5*time.Second, r.Backoff(4))
}

func TestDoWithData(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		balance, err := DoWithData(New(), context.Background(), func(context.Context) (string, error) {
			return "1000 EUR", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "1000 EUR", balance)
	})

	t.Run("returns last error", func(t *testing.T) {
		balance, err := DoWithData(fast(WithMaxRetries(1)), context.Background(), func(context.Context) (string, error) {
			return "", errFlaky
		})
		assert.ErrorIs(t, err, errFlaky)
		assert.Empty(t, balance)
	})
}
