package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestBreakerExecute_SucceedsAfterRetries(t *testing.T) {
	b := NewBreaker("test-retry", Policy{MaxAttempts: 3, FailureThreshold: 10})
	b.sleep = noSleep

	calls := 0
	err := b.Execute(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreakerExecute_ExhaustsAttempts(t *testing.T) {
	b := NewBreaker("test-exhaust", Policy{MaxAttempts: 2, FailureThreshold: 10})
	b.sleep = noSleep

	boom := errors.New("boom")
	calls := 0
	err := b.Execute(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestBreakerExecute_OpensCircuit(t *testing.T) {
	b := NewBreaker("test-open", Policy{MaxAttempts: 5, FailureThreshold: 2, Cooldown: time.Hour})
	b.sleep = noSleep

	calls := 0
	err := b.Execute(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	// Rejected without calling fn while open
	err = b.Execute(context.Background(), "publish", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestBreakerExecute_HalfOpenRecovers(t *testing.T) {
	b := NewBreaker("test-half-open", Policy{MaxAttempts: 1, FailureThreshold: 1, Cooldown: time.Millisecond})
	b.sleep = noSleep

	_ = b.Execute(context.Background(), "publish", func(ctx context.Context) error { return errors.New("down") })
	assert.Equal(t, CircuitBreakerOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	err := b.Execute(context.Background(), "publish", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreakerExecute_ContextCancelled(t *testing.T) {
	b := NewBreaker("test-cancel", Policy{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, "publish", func(ctx context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
