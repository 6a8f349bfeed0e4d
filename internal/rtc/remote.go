package rtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/metrics"
)

// Packet is one RTP packet of a remote track
type Packet struct {
	TrackID string
	Kind    string
	*rtp.Packet
}

// TrackInfo describes a remote track
type TrackInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type"`
}

// RemoteStream is the inbound media of one remote participant. Packets are
// fanned out to subscribers; a subscriber that falls behind loses packets.
type RemoteStream struct {
	id      string
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.RWMutex
	tracks []TrackInfo
	subs   map[int]chan Packet
	nextID int
	closed bool

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
}

func newRemoteStream(id string, m *metrics.Metrics, log *zap.Logger) *RemoteStream {
	return &RemoteStream{id: id, metrics: m, log: log, subs: make(map[int]chan Packet)}
}

func (s *RemoteStream) ID() string { return s.id }

// Tracks lists the tracks received so far
func (s *RemoteStream) Tracks() []TrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TrackInfo(nil), s.tracks...)
}

// Packets returns the number of RTP packets received for kind
func (s *RemoteStream) Packets(kind string) uint64 {
	if kind == webrtc.RTPCodecTypeAudio.String() {
		return s.audioPackets.Load()
	}
	return s.videoPackets.Load()
}

// Subscribe returns a channel of received packets and a func that ends the subscription
func (s *RemoteStream) Subscribe(buffer int) (<-chan Packet, func()) {
	ch := make(chan Packet, buffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *RemoteStream) addTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, TrackInfo{
		ID:       track.ID(),
		Kind:     track.Kind().String(),
		MimeType: track.Codec().MimeType,
	})
	s.mu.Unlock()
}

// read consumes track until the connection closes
func (s *RemoteStream) read(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	counter := &s.videoPackets
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		counter = &s.audioPackets
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("Remote track read stopped", zap.String("track_id", track.ID()), zap.Error(err))
			}
			return
		}
		counter.Add(1)
		s.metrics.RecordRTPPacket(kind)
		s.fanout(Packet{TrackID: track.ID(), Kind: kind, Packet: pkt})
	}
}

func (s *RemoteStream) fanout(p Packet) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// close ends every subscription
func (s *RemoteStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
