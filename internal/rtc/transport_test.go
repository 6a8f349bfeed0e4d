package rtc

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/media"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/pkg/config"
	apperrors "secureconnect-calls/pkg/errors"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(config.WebRTCConfig{
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       10 * time.Second,
		KeepAliveInterval:   time.Second,
		IncludeLoopback:     true,
	}, nil)
	require.NoError(t, err)
	return f
}

// peer records what a transport reports through its callbacks
type peer struct {
	transport call.PeerTransport
	signals   chan []byte

	mu      sync.Mutex
	states  []domain.ConnectionState
	streams []call.RemoteStream
}

func (p *peer) callbacks() call.TransportCallbacks {
	return call.TransportCallbacks{
		OnLocalSignal: func(payload []byte) { p.signals <- payload },
		OnStateChange: func(state domain.ConnectionState) {
			p.mu.Lock()
			p.states = append(p.states, state)
			p.mu.Unlock()
		},
		OnRemoteStream: func(stream call.RemoteStream) {
			p.mu.Lock()
			p.streams = append(p.streams, stream)
			p.mu.Unlock()
		},
	}
}

func (p *peer) lastState() domain.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return domain.ConnectionStateNew
	}
	return p.states[len(p.states)-1]
}

// relay forwards payloads from one peer to the other in order
func relay(ctx context.Context, t *testing.T, from, to *peer) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-from.signals:
				if err := to.transport.HandleSignal(ctx, payload); err != nil {
					t.Logf("relay: %v", err)
				}
			}
		}
	}()
}

func newPeer(t *testing.T, f *Factory, local, remote uuid.UUID, role domain.PeerRole, stream call.LocalStream) *peer {
	t.Helper()
	p := &peer{signals: make(chan []byte, 256)}
	transport, err := f.NewTransport(call.TransportConfig{
		SessionID:    uuid.New(),
		LocalUserID:  local,
		RemoteUserID: remote,
		Role:         role,
		Polite:       local.String() < remote.String(),
		Stream:       stream,
	}, p.callbacks())
	require.NoError(t, err)
	p.transport = transport
	t.Cleanup(func() { _ = transport.Close() })
	return p
}

func TestTransport_ConnectsOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := testFactory(t)
	source := media.NewSource(config.MediaConfig{})
	alice, bob := uuid.New(), uuid.New()

	aliceStream, err := source.Acquire(ctx, domain.CallTypeVideo)
	require.NoError(t, err)
	defer aliceStream.Release()
	bobStream, err := source.Acquire(ctx, domain.CallTypeVideo)
	require.NoError(t, err)
	defer bobStream.Release()

	a := newPeer(t, f, alice, bob, domain.PeerRoleInitiator, aliceStream)
	b := newPeer(t, f, bob, alice, domain.PeerRoleResponder, bobStream)
	relay(ctx, t, a, b)
	relay(ctx, t, b, a)

	require.NoError(t, b.transport.Start(ctx))
	require.NoError(t, a.transport.Start(ctx))

	require.Eventually(t, func() bool {
		return a.lastState() == domain.ConnectionStateConnected && b.lastState() == domain.ConnectionStateConnected
	}, 15*time.Second, 50*time.Millisecond)
	assert.Equal(t, domain.ConnectionStateConnected, a.transport.State())
	assert.Equal(t, domain.PeerRoleInitiator, a.transport.Role())
	assert.Equal(t, bob, a.transport.RemoteUserID())

	// screen share swaps the sender without touching the connection
	screen, release, err := media.NewSource(config.MediaConfig{ScreenFile: writeScreenIVF(t)}).AcquireScreen(ctx)
	require.NoError(t, err)
	defer release()
	require.NoError(t, a.transport.ReplaceVideoTrack(screen))
	require.NoError(t, a.transport.ReplaceVideoTrack(nil))
	assert.Equal(t, domain.ConnectionStateConnected, a.transport.State())

	require.NoError(t, a.transport.Close())
	assert.Equal(t, domain.ConnectionStateClosed, a.transport.State())
	assert.ErrorIs(t, a.transport.HandleSignal(ctx, []byte(`{"kind":"offer","sdp":"v=0"}`)), errClosed)
	assert.NoError(t, a.transport.Close())
}

func TestTransport_ResponderDoesNotOffer(t *testing.T) {
	f := testFactory(t)
	stream, err := media.NewSource(config.MediaConfig{}).Acquire(context.Background(), domain.CallTypeAudio)
	require.NoError(t, err)
	defer stream.Release()

	p := newPeer(t, f, uuid.New(), uuid.New(), domain.PeerRoleResponder, stream)
	require.NoError(t, p.transport.Start(context.Background()))

	select {
	case payload := <-p.signals:
		t.Fatalf("responder sent %s", payload)
	case <-time.After(200 * time.Millisecond):
	}

	// audio calls have no video sender to replace
	assert.ErrorIs(t, p.transport.ReplaceVideoTrack(nil), errNoVideo)
}

func TestTransport_InitiatorOffersFirst(t *testing.T) {
	f := testFactory(t)
	stream, err := media.NewSource(config.MediaConfig{}).Acquire(context.Background(), domain.CallTypeAudio)
	require.NoError(t, err)
	defer stream.Release()

	p := newPeer(t, f, uuid.New(), uuid.New(), domain.PeerRoleInitiator, stream)
	require.NoError(t, p.transport.Start(context.Background()))

	select {
	case payload := <-p.signals:
		decoded, err := decodePayload(payload)
		require.NoError(t, err)
		assert.Equal(t, kindOffer, decoded.Kind)
		assert.Contains(t, decoded.SDP, "m=audio")
	case <-time.After(2 * time.Second):
		t.Fatal("initiator sent no offer")
	}
}

func TestTransport_RejectsForeignTracks(t *testing.T) {
	f := testFactory(t)
	p := newPeer(t, f, uuid.New(), uuid.New(), domain.PeerRoleInitiator, &foreignStream{})

	err := p.transport.Start(context.Background())

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransportNegotiationFailed))
}

func TestTransport_BadRemoteDescription(t *testing.T) {
	f := testFactory(t)
	p := newPeer(t, f, uuid.New(), uuid.New(), domain.PeerRoleResponder, nil)
	require.NoError(t, p.transport.Start(context.Background()))

	err := p.transport.HandleSignal(context.Background(), []byte(`{"kind":"offer","sdp":"not sdp"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransportNegotiationFailed))

	// an answer without a local offer is stale, not a negotiation failure
	err = p.transport.HandleSignal(context.Background(), []byte(`{"kind":"answer","sdp":"v=0"}`))
	assert.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.ErrCodeTransportNegotiationFailed))

	// candidates before any description are queued
	assert.NoError(t, p.transport.HandleSignal(context.Background(), []byte(`{"kind":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`)))
}

func TestEvents_Order(t *testing.T) {
	e := newEvents()
	defer e.close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		e.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, time.Second, 5*time.Millisecond)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoggerFactory(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLoggerFactory(zap.New(core)).NewLogger("ice")

	l.Trace("dropped")
	l.Debugf("gathering %d", 3)
	l.Warn("slow")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "gathering 3", entry.Message)
	assert.Equal(t, "ice", entry.ContextMap()["pion_scope"])
}

type foreignTrack struct{}

func (foreignTrack) ID() string   { return "foreign" }
func (foreignTrack) Kind() string { return "audio" }

type foreignStream struct{}

func (*foreignStream) ID() string             { return "foreign" }
func (*foreignStream) AudioTrack() call.Track { return foreignTrack{} }
func (*foreignStream) VideoTrack() call.Track { return nil }
func (*foreignStream) SetAudioEnabled(bool)   {}
func (*foreignStream) SetVideoEnabled(bool)   {}
func (*foreignStream) Release()               {}

// writeScreenIVF writes an IVF header with a single VP8 frame
func writeScreenIVF(t *testing.T) string {
	t.Helper()
	data := make([]byte, 32, 48)
	copy(data[0:4], "DKIF")
	binary.LittleEndian.PutUint16(data[6:], 32)
	copy(data[8:12], "VP80")
	binary.LittleEndian.PutUint32(data[16:], 30)
	binary.LittleEndian.PutUint32(data[20:], 1)
	binary.LittleEndian.PutUint32(data[24:], 1)
	frame := make([]byte, 12)
	binary.LittleEndian.PutUint32(frame[0:], 4)
	data = append(data, frame...)
	data = append(data, 0x10, 0x02, 0x00, 0x9d)

	path := filepath.Join(t.TempDir(), "screen.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
