package ws

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
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/internal/signaling"
	"secureconnect-calls/pkg/jwt"
)

type hubFixture struct {
	hub    *SignalingHub
	server *httptest.Server
	jwt    *jwt.JWTManager
}

func newHubFixture(t *testing.T) *hubFixture {
	return newHubFixtureWith(t, HubConfig{MaxConnections: 10, PingInterval: time.Second})
}

func newHubFixtureWith(t *testing.T, cfg HubConfig) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewSignalingHub(cfg, nil, nil, nil)
	go hub.Run(ctx)

	jwtManager := jwt.NewJWTManager("test-secret-key-at-least-32-chars!!", time.Hour)
	router := gin.New()
	router.GET("/v1/signaling/ws", middleware.AuthMiddleware(jwtManager, nil), hub.ServeWS)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &hubFixture{hub: hub, server: server, jwt: jwtManager}
}

func (f *hubFixture) dial(t *testing.T, userID uuid.UUID) *signaling.Client {
	t.Helper()
	token, err := f.jwt.GenerateToken(userID, "")
	require.NoError(t, err)

	client, err := signaling.Dial(context.Background(), signaling.ClientConfig{
		URL:            "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/signaling/ws",
		Token:          token,
		PingInterval:   time.Second,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func receive(t *testing.T, ch <-chan *domain.SignalMessage) *domain.SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan *domain.SignalMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func control(t *testing.T, typ domain.SignalType, from, sessionID uuid.UUID, data any) *domain.SignalMessage {
	t.Helper()
	msg, err := domain.NewControl(typ, from, sessionID, uuid.Nil, data)
	require.NoError(t, err)
	return msg
}

func TestSignalingHub_RelaysWithinSession(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	sessionID := uuid.New()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	carolClient := f.dial(t, carol)

	aliceSub, err := aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	bobSub, err := bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)
	carolSub, err := carolClient.Join(ctx, sessionID, carol)
	require.NoError(t, err)

	// Control events reach everyone but the sender
	updated := control(t, domain.SignalParticipantUpdated, alice, sessionID, domain.ParticipantUpdatedData{})
	require.NoError(t, aliceClient.Publish(ctx, updated))
	assert.Equal(t, updated.ID, receive(t, bobSub.Messages()).ID)
	assert.Equal(t, updated.ID, receive(t, carolSub.Messages()).ID)
	assertSilent(t, aliceSub.Messages())

	// Payloads reach their addressee only
	require.NoError(t, aliceClient.Publish(ctx, domain.NewPayload(alice, bob, sessionID, 1, []byte(`{"kind":"offer"}`))))
	payload := receive(t, bobSub.Messages())
	assert.Equal(t, domain.SignalPayload, payload.Type)
	assert.Equal(t, uint32(1), payload.Epoch)
	assert.JSONEq(t, `{"kind":"offer"}`, string(payload.Data))
	assertSilent(t, carolSub.Messages())
}

func TestSignalingHub_StampsSender(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	sessionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	_, err := aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	bobSub, err := bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)

	spoofed := control(t, domain.SignalCallEnded, uuid.New(), sessionID, nil)
	require.NoError(t, aliceClient.Publish(ctx, spoofed))

	assert.Equal(t, alice, receive(t, bobSub.Messages()).From)
}

func TestSignalingHub_RejectsInvalidFrames(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := uuid.New()
	client := f.dial(t, alice)

	// Publishing non-terminal events requires a join
	err := client.Publish(ctx, control(t, domain.SignalParticipantUpdated, alice, uuid.New(), domain.ParticipantUpdatedData{}))
	assert.ErrorContains(t, err, "not joined")

	// Only call-started can be sent as an invitation
	err = client.Invite(ctx, control(t, domain.SignalCallEnded, alice, uuid.New(), nil), []uuid.UUID{uuid.New()})
	assert.Error(t, err)

	// Payloads need a recipient
	sessionID := uuid.New()
	_, err = client.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	payload := domain.NewPayload(alice, uuid.New(), sessionID, 1, []byte(`{}`))
	payload.To = nil
	assert.Error(t, client.Publish(ctx, payload))
}

func TestSignalingHub_InviteAndSnapshot(t *testing.T) {
	f := newHubFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	invites, err := bobClient.Listen(ctx, bob)
	require.NoError(t, err)

	_, err = aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	started := control(t, domain.SignalCallStarted, alice, sessionID, domain.CallStartedData{
		CallType:    domain.CallTypeVideo,
		InitiatorID: alice,
		Invitees:    []uuid.UUID{bob},
	})
	require.NoError(t, aliceClient.Invite(ctx, started, []uuid.UUID{bob, alice}))

	invitation := receive(t, invites)
	assert.Equal(t, domain.SignalCallStarted, invitation.Type)
	assert.Equal(t, sessionID, invitation.SessionID)

	bobSub, err := bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)
	roster, err := bobSub.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, alice, roster[0].UserID)
	assert.True(t, roster[0].IsVideoEnabled)
}

func TestSignalingHub_DisconnectAnnouncesParticipantLeft(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	sessionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	aliceSub, err := aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	_, err = bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)

	require.NoError(t, bobClient.Publish(ctx, control(t, domain.SignalAccepted, bob, sessionID, domain.AcceptedData{
		InitiateTo: []uuid.UUID{alice},
		MediaFlags: domain.DefaultMediaFlags(),
	})))
	assert.Equal(t, domain.SignalAccepted, receive(t, aliceSub.Messages()).Type)

	require.NoError(t, bobClient.Close())

	left := receive(t, aliceSub.Messages())
	assert.Equal(t, domain.SignalParticipantLeft, left.Type)
	assert.Equal(t, bob, left.From)

	roster, err := aliceSub.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestSignalingHub_RequiresAuthentication(t *testing.T) {
	f := newHubFixture(t)

	_, err := signaling.Dial(context.Background(), signaling.ClientConfig{
		URL: "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/signaling/ws",
	})

	assert.Error(t, err)
}

func TestSignalingHub_LeaveAnnouncesParticipantLeft(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	sessionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	aliceSub, err := aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	bobSub, err := bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)

	require.NoError(t, bobClient.Publish(ctx, control(t, domain.SignalAccepted, bob, sessionID, domain.AcceptedData{
		InitiateTo: []uuid.UUID{alice},
		MediaFlags: domain.DefaultMediaFlags(),
	})))
	assert.Equal(t, domain.SignalAccepted, receive(t, aliceSub.Messages()).Type)

	// Leaving while still listed is a departure, not a silent unsubscribe
	require.NoError(t, bobSub.Close())

	left := receive(t, aliceSub.Messages())
	assert.Equal(t, domain.SignalParticipantLeft, left.Type)
	assert.Equal(t, bob, left.From)

	roster, err := aliceSub.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, roster)

	// The connection stays usable for other sessions
	_, err = bobClient.Join(ctx, uuid.New(), bob)
	assert.NoError(t, err)
}

func TestSignalingHub_RelaysTerminalEventsFromNonMembers(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	sessionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	aliceClient := f.dial(t, alice)
	bobClient := f.dial(t, bob)
	aliceSub, err := aliceClient.Join(ctx, sessionID, alice)
	require.NoError(t, err)
	bobSub, err := bobClient.Join(ctx, sessionID, bob)
	require.NoError(t, err)
	require.NoError(t, bobSub.Close())

	// A restarted or departed client may still settle the session
	require.NoError(t, bobClient.Publish(ctx, control(t, domain.SignalCallEnded, bob, sessionID, nil)))
	ended := receive(t, aliceSub.Messages())
	assert.Equal(t, domain.SignalCallEnded, ended.Type)
	assert.Equal(t, bob, ended.From)

	err = bobClient.Publish(ctx, control(t, domain.SignalParticipantUpdated, bob, sessionID, domain.ParticipantUpdatedData{}))
	assert.ErrorContains(t, err, "not joined")
	assertSilent(t, aliceSub.Messages())
}

func TestSignalingHub_RejectsConnectionsOverCapacity(t *testing.T) {
	f := newHubFixtureWith(t, HubConfig{MaxConnections: 1, PingInterval: time.Second})
	f.dial(t, uuid.New())

	token, err := f.jwt.GenerateToken(uuid.New(), "")
	require.NoError(t, err)
	_, err = signaling.Dial(context.Background(), signaling.ClientConfig{
		URL:   "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/signaling/ws",
		Token: token,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
