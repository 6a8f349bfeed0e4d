// Package constants defines process-level timeouts and limits shared by the binaries.
package constants

import "time"

// Time-related constants
const (
	// GracefulShutdownTimeout bounds server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is the period of the Redis degraded-mode health check
	RedisHealthCheckInterval = 10 * time.Second

	// SignalingDialTimeout bounds the first connection to the signaling hub
	SignalingDialTimeout = 15 * time.Second

	// ReconcileTimeout bounds startup reconciliation of leftover sessions
	ReconcileTimeout = 30 * time.Second

	// EventStreamHeartbeat is the idle interval of the agent event stream
	EventStreamHeartbeat = 15 * time.Second

	// CacheCleanupInterval is the sweep period of in-memory caches
	CacheCleanupInterval = time.Minute
)

// Database connection constants
const (
	// DBConnectAttempts is how many times a binary tries to reach CockroachDB at startup
	DBConnectAttempts = 5

	// DBConnectBaseDelay is the first retry delay, doubled per attempt
	DBConnectBaseDelay = 1 * time.Second

	// DBConnectMaxDelay caps the retry delay
	DBConnectMaxDelay = 30 * time.Second
)

// Limits
const (
	// MembershipCacheSize bounds cached conversation memberships
	MembershipCacheSize = 1000
)
