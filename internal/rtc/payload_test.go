package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/config"
)

func TestDecodePayload(t *testing.T) {
	mid := "0"
	encoded, err := encodePayload(candidatePayload(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host",
		SDPMid:    &mid,
	}))
	require.NoError(t, err)

	p, err := decodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, kindCandidate, p.Kind)
	require.NotNil(t, p.Candidate.SDPMid)
	assert.Equal(t, "0", *p.Candidate.SDPMid)

	answer, err := encodePayload(descriptionPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	require.NoError(t, err)
	p, err = decodePayload(answer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, p.description().Type)
	assert.Equal(t, "v=0", p.description().SDP)
}

func TestDecodePayload_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{"kind":`},
		{"unknown kind", `{"kind":"bye"}`},
		{"offer without sdp", `{"kind":"offer"}`},
		{"candidate without candidate", `{"kind":"candidate"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodePayload([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestConnectionState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want domain.ConnectionState
	}{
		{webrtc.PeerConnectionStateNew, domain.ConnectionStateNew},
		{webrtc.PeerConnectionStateConnecting, domain.ConnectionStateConnecting},
		{webrtc.PeerConnectionStateDisconnected, domain.ConnectionStateConnecting},
		{webrtc.PeerConnectionStateConnected, domain.ConnectionStateConnected},
		{webrtc.PeerConnectionStateFailed, domain.ConnectionStateFailed},
		{webrtc.PeerConnectionStateClosed, domain.ConnectionStateClosed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, connectionState(tt.in), tt.in.String())
	}
}

func TestICEServers(t *testing.T) {
	servers := iceServers(config.WebRTCConfig{
		ICEServers:     []string{"stun:stun.example.com:3478", "turn:turn.example.com:3478"},
		TURNUsername:   "user",
		TURNCredential: "secret",
	})

	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
}
