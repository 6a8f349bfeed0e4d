package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/pkg/resilience"
)

func quickPolicy(attempts int) resilience.Policy {
	return resilience.Policy{
		MaxAttempts:      attempts,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FailureThreshold: attempts + 1,
	}
}

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	conn, err := connectWithRetry(context.Background(), "test-connect", quickPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "pool", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pool", conn)
	assert.Equal(t, 3, calls)
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	calls := 0
	refused := errors.New("connection refused")
	_, err := connectWithRetry(context.Background(), "test-give-up", quickPolicy(2), func(ctx context.Context) (string, error) {
		calls++
		return "", refused
	})

	assert.ErrorIs(t, err, refused)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestDBConnectPolicy_NeverTripsDuringStartup(t *testing.T) {
	policy := dbConnectPolicy()
	assert.Greater(t, policy.FailureThreshold, policy.MaxAttempts)
}
