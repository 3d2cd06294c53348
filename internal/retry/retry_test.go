package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transientErr struct{ retriable bool }

func (e *transientErr) Error() string   { return "transient" }
func (e *transientErr) Retriable() bool { return e.retriable }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &transientErr{retriable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("validation failed")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return &transientErr{retriable: true}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return &transientErr{retriable: true}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(errors.New("plain")))
	assert.False(t, IsRetriable(context.Canceled))
	assert.True(t, IsRetriable(context.DeadlineExceeded))
	assert.True(t, IsRetriable(&transientErr{retriable: true}))
	assert.False(t, IsRetriable(&transientErr{retriable: false}))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(40))
}
