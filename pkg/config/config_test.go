package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 1, cfg.Call.MaxReconnectAttempts)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "10s")
	t.Setenv("CALL_MAX_RECONNECT_ATTEMPTS", "2")
	t.Setenv("WEBRTC_ICE_SERVERS", "stun:a.example:3478,turn:b.example:3478")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 2, cfg.Call.MaxReconnectAttempts)
	assert.Len(t, cfg.WebRTC.ICEServers, 2)
}

func TestValidate_RejectsBadICEServer(t *testing.T) {
	t.Setenv("WEBRTC_ICE_SERVERS", "http://not-ice")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_ProductionNeedsSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	assert.Error(t, err)
}
