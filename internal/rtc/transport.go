package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

var (
	errClosed       = errors.New("peer transport closed")
	errNoVideo      = errors.New("peer transport has no video sender")
	errForeignTrack = errors.New("track cannot be sent by a pion transport")
)

// localTrack is implemented by tracks that wrap a pion TrackLocal
type localTrack interface {
	Local() webrtc.TrackLocal
}

// Transport implements call.PeerTransport over one PeerConnection
type Transport struct {
	cfg     call.TransportConfig
	cb      call.TransportCallbacks
	pc      *webrtc.PeerConnection
	events  *events
	remote  *RemoteStream
	metrics *metrics.Metrics
	log     *zap.Logger

	// negMu serializes local offers and inbound payloads
	negMu sync.Mutex

	mu          sync.Mutex
	state       domain.ConnectionState
	started     bool
	closed      bool
	negotiated  bool
	ignoreOffer bool
	descSent    bool
	localCands  []webrtc.ICECandidateInit
	remoteCands []webrtc.ICECandidateInit
	videoSender *webrtc.RTPSender
	camera      webrtc.TrackLocal
}

func newTransport(pc *webrtc.PeerConnection, cfg call.TransportConfig, cb call.TransportCallbacks, m *metrics.Metrics, log *zap.Logger) *Transport {
	t := &Transport{
		cfg:     cfg,
		cb:      cb,
		pc:      pc,
		events:  newEvents(),
		metrics: m,
		state:   domain.ConnectionStateNew,
		log: log.With(
			logger.SessionID(cfg.SessionID),
			logger.RemoteUserID(cfg.RemoteUserID),
			zap.String("role", string(cfg.Role)),
		),
	}
	t.remote = newRemoteStream("remote-"+cfg.RemoteUserID.String(), m, t.log)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.sendCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("Peer connection state changed", zap.String("pc_state", s.String()))
		t.setState(connectionState(s))
	})
	pc.OnNegotiationNeeded(func() {
		go t.renegotiate()
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.onTrack(track)
	})
	return t
}

func (t *Transport) RemoteUserID() uuid.UUID { return t.cfg.RemoteUserID }

func (t *Transport) Role() domain.PeerRole { return t.cfg.Role }

func (t *Transport) State() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remote returns the inbound media of this transport
func (t *Transport) Remote() *RemoteStream { return t.remote }

// Start attaches the local tracks; the initiator then sends its offer
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.attachTracks(); err != nil {
		return apperrors.TransportNegotiationError(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.cfg.Role == domain.PeerRoleInitiator {
		return t.offer()
	}
	return nil
}

func (t *Transport) attachTracks() error {
	stream := t.cfg.Stream
	if stream == nil {
		// receive-only participant
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	if audio := stream.AudioTrack(); audio != nil {
		if _, err := t.addTrack(audio); err != nil {
			return err
		}
	}

	camera := stream.VideoTrack()
	outgoing := t.cfg.Video
	if outgoing == nil {
		outgoing = camera
	}
	if outgoing == nil {
		return nil
	}
	sender, err := t.addTrack(outgoing)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.videoSender = sender
	if camera != nil {
		if lt, ok := camera.(localTrack); ok {
			t.camera = lt.Local()
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) addTrack(track call.Track) (*webrtc.RTPSender, error) {
	lt, ok := track.(localTrack)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errForeignTrack, track.ID())
	}
	sender, err := t.pc.AddTrack(lt.Local())
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	go t.drainRTCP(sender)
	return sender, nil
}

// offer creates and sends a local offer when the connection is stable
func (t *Transport) offer() error {
	t.negMu.Lock()
	defer t.negMu.Unlock()

	if t.isClosed() || t.pc.SignalingState() != webrtc.SignalingStateStable {
		return nil
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return apperrors.TransportNegotiationError(err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return apperrors.TransportNegotiationError(err)
	}
	t.sendDescription(offer)
	return nil
}

// renegotiate answers pion's negotiationneeded once the first exchange is done
func (t *Transport) renegotiate() {
	t.mu.Lock()
	ready := t.negotiated && !t.closed
	t.mu.Unlock()
	if !ready {
		return
	}
	if err := t.offer(); err != nil {
		t.log.Warn("Renegotiation failed", zap.Error(err))
		t.setState(domain.ConnectionStateFailed)
	}
}

// HandleSignal applies an offer, answer or candidate from the remote transport
func (t *Transport) HandleSignal(ctx context.Context, data []byte) error {
	p, err := decodePayload(data)
	if err != nil {
		return err
	}

	t.negMu.Lock()
	defer t.negMu.Unlock()

	if t.isClosed() {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Kind == kindCandidate {
		return t.addRemoteCandidate(*p.Candidate)
	}
	return t.applyDescription(p.description())
}

func (t *Transport) applyDescription(desc webrtc.SessionDescription) error {
	signaling := t.pc.SignalingState()
	collision := desc.Type == webrtc.SDPTypeOffer && signaling != webrtc.SignalingStateStable
	ignore := collision && !t.cfg.Polite

	t.mu.Lock()
	t.ignoreOffer = ignore
	t.mu.Unlock()

	if ignore {
		t.log.Debug("Ignoring colliding offer")
		return nil
	}
	if desc.Type == webrtc.SDPTypeAnswer && signaling != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("unexpected answer in signaling state %s", signaling)
	}

	if collision {
		pending := t.pc.PendingLocalDescription()
		if pending == nil {
			return apperrors.TransportNegotiationError(errors.New("offer collision without a pending local offer"))
		}
		t.log.Debug("Rolling back local offer for remote offer")
		if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}); err != nil {
			return apperrors.TransportNegotiationError(fmt.Errorf("rollback: %w", err))
		}
	}

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return apperrors.TransportNegotiationError(err)
	}

	t.mu.Lock()
	t.negotiated = true
	queued := t.remoteCands
	t.remoteCands = nil
	t.mu.Unlock()
	for _, c := range queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Debug("Dropping queued remote candidate", zap.Error(err))
		}
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return apperrors.TransportNegotiationError(err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return apperrors.TransportNegotiationError(err)
	}
	t.sendDescription(answer)
	return nil
}

// addRemoteCandidate queues candidates that arrive before the remote description
func (t *Transport) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	if t.pc.RemoteDescription() == nil {
		t.mu.Lock()
		t.remoteCands = append(t.remoteCands, c)
		t.mu.Unlock()
		return nil
	}
	if err := t.pc.AddICECandidate(c); err != nil {
		t.mu.Lock()
		ignoring := t.ignoreOffer
		t.mu.Unlock()
		if ignoring {
			return nil
		}
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// sendDescription emits desc and releases candidates gathered before it
func (t *Transport) sendDescription(desc webrtc.SessionDescription) {
	data, err := encodePayload(descriptionPayload(desc))
	if err != nil {
		t.log.Error("Failed to encode session description", zap.Error(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(data)
	if t.descSent {
		return
	}
	t.descSent = true
	for _, c := range t.localCands {
		if data, err := encodePayload(candidatePayload(c)); err == nil {
			t.emitLocked(data)
		}
	}
	t.localCands = nil
}

func (t *Transport) sendCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if !t.descSent {
		t.localCands = append(t.localCands, c)
		return
	}
	data, err := encodePayload(candidatePayload(c))
	if err != nil {
		t.log.Error("Failed to encode candidate", zap.Error(err))
		return
	}
	t.emitLocked(data)
}

func (t *Transport) emitLocked(data []byte) {
	if t.closed || t.cb.OnLocalSignal == nil {
		return
	}
	t.events.post(func() { t.cb.OnLocalSignal(data) })
}

func (t *Transport) setState(state domain.ConnectionState) {
	t.mu.Lock()
	if t.closed || t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.mu.Unlock()

	if t.cb.OnStateChange != nil {
		t.events.post(func() { t.cb.OnStateChange(state) })
	}
}

func (t *Transport) onTrack(track *webrtc.TrackRemote) {
	t.log.Info("Remote track received",
		zap.String("track_id", track.ID()),
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType),
	)
	t.remote.addTrack(track)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe so decoding can start right away
		if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			t.log.Debug("Failed to request keyframe", zap.Error(err))
		}
	}
	go t.remote.read(track)

	if t.cb.OnRemoteStream != nil {
		remote := t.remote
		t.events.post(func() { t.cb.OnRemoteStream(remote) })
	}
}

// drainRTCP reads sender feedback so the interceptors keep working
func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication:
				t.metrics.RecordRTCPPacket("pli")
			case *rtcp.TransportLayerNack:
				t.metrics.RecordRTCPPacket("nack")
			case *rtcp.ReceiverReport:
				t.metrics.RecordRTCPPacket("receiver_report")
			default:
				t.metrics.RecordRTCPPacket("other")
			}
		}
	}
}

// ReplaceVideoTrack swaps the outgoing video on the existing sender.
// A nil track restores the camera.
func (t *Transport) ReplaceVideoTrack(track call.Track) error {
	t.mu.Lock()
	sender, camera, closed := t.videoSender, t.camera, t.closed
	t.mu.Unlock()

	if closed {
		return errClosed
	}
	if sender == nil {
		return errNoVideo
	}

	next := camera
	if track != nil {
		lt, ok := track.(localTrack)
		if !ok {
			return fmt.Errorf("%w: %s", errForeignTrack, track.ID())
		}
		next = lt.Local()
	}
	return sender.ReplaceTrack(next)
}

// Close tears down the connection. Callbacks not yet delivered are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.ConnectionStateClosed
	t.mu.Unlock()

	t.events.close()
	t.remote.close()
	return t.pc.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}
