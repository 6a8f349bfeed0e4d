package call_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/handler/ws"
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/internal/signaling"
	"secureconnect-calls/pkg/jwt"
)

// newHubHarness connects every member to a relay hub over an authenticated websocket
func newHubHarness(t *testing.T, n int, cfg call.Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewSignalingHub(ws.HubConfig{MaxConnections: 20, PingInterval: time.Second}, nil, nil, nil)
	go hub.Run(ctx)

	jwtManager := jwt.NewJWTManager("test-secret-key-at-least-32-chars!!", time.Hour)
	router := gin.New()
	router.GET("/v1/signaling/ws", middleware.AuthMiddleware(jwtManager, nil), hub.ServeWS)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return newHarnessOver(t, n, cfg, func(t *testing.T, id uuid.UUID) call.SignalingChannel {
		token, err := jwtManager.GenerateToken(id, "")
		require.NoError(t, err)
		client, err := signaling.Dial(context.Background(), signaling.ClientConfig{
			URL:            "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/signaling/ws",
			Token:          token,
			PingInterval:   time.Second,
			RequestTimeout: 2 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		return client
	})
}

func delivered(p *participant, sessionID uuid.UUID, event domain.SignalType) bool {
	for _, rec := range p.store.Log(sessionID) {
		if rec.Event == event && rec.Delivered {
			return true
		}
	}
	return false
}

func TestHubFlow_DeclineReachesCaller(t *testing.T) {
	h := newHubHarness(t, 2, testConfig())
	x, y := h.members[0], h.members[1]

	session, err := x.coord.StartCall(context.Background(), h.conversationID, domain.CallTypeAudio)
	require.NoError(t, err)
	waitStatus(t, y, session.ID, domain.CallStatusRinging)

	require.NoError(t, y.coord.DeclineCall(context.Background(), session.ID))

	waitStatus(t, x, session.ID, domain.CallStatusDeclined)
	waitReleases(t, x.media.lastStream(), 1)
	require.Eventually(t, func() bool { return delivered(y, session.ID, domain.SignalDeclined) }, waitFor, tick)
}

func TestHubFlow_EndReachesPeer(t *testing.T) {
	h := newHubHarness(t, 2, testConfig())
	x, y := h.members[0], h.members[1]
	sessionID := connectPair(t, h, x, y)

	// Offer and answer only travel as relayed payloads
	assert.Equal(t, domain.ConnectionStateConnected, x.transports.live(y.id).State())
	assert.Equal(t, domain.ConnectionStateConnected, y.transports.live(x.id).State())

	require.NoError(t, x.coord.EndCall(context.Background(), sessionID))

	waitStatus(t, y, sessionID, domain.CallStatusEnded)
	ended, _ := y.coord.Session(sessionID)
	assert.Equal(t, domain.EndReasonRemoteEnd, ended.EndReason)
	waitReleases(t, y.media.lastStream(), 1)
	require.Eventually(t, func() bool { return delivered(x, sessionID, domain.SignalCallEnded) }, waitFor, tick)

	result, err := x.coord.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Republished)
}

func TestHubFlow_GroupCallJoinsFullMesh(t *testing.T) {
	h := newHubHarness(t, 3, testConfig())
	a, b, c := h.members[0], h.members[1], h.members[2]

	session, err := a.coord.StartCall(context.Background(), h.conversationID, domain.CallTypeVideo)
	require.NoError(t, err)
	waitStatus(t, b, session.ID, domain.CallStatusRinging)
	waitStatus(t, c, session.ID, domain.CallStatusRinging)

	require.NoError(t, b.coord.AcceptCall(context.Background(), session.ID))
	waitStatus(t, a, session.ID, domain.CallStatusConnected)
	waitStatus(t, b, session.ID, domain.CallStatusConnected)

	// c learns b from the hub roster, not from a
	require.NoError(t, c.coord.AcceptCall(context.Background(), session.ID))
	waitPeers(t, a, session.ID, 2)
	waitPeers(t, b, session.ID, 2)
	waitPeers(t, c, session.ID, 2)
	assert.Len(t, c.transports.toward(b.id), 1)

	// c leaves; the announcement arrives before its subscription is dropped
	require.NoError(t, c.coord.EndCall(context.Background(), session.ID))
	waitPeers(t, a, session.ID, 1)
	waitPeers(t, b, session.ID, 1)
	assert.Equal(t, domain.CallStatusConnected, statusOf(a, session.ID))
	assert.Equal(t, domain.CallStatusConnected, statusOf(b, session.ID))
	require.Eventually(t, func() bool { return delivered(c, session.ID, domain.SignalCallEnded) }, waitFor, tick)
}
