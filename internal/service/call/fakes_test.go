package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
	apperrors "secureconnect-calls/pkg/errors"
)

// MockIdentity is a mock implementation of call.Identity
type MockIdentity struct {
	mock.Mock
	id uuid.UUID
}

func (m *MockIdentity) UserID() uuid.UUID {
	return m.id
}

func (m *MockIdentity) Authorize(ctx context.Context, conversationID uuid.UUID) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// MockConversationStore is a mock implementation of call.ConversationStore
type MockConversationStore struct {
	mock.Mock
}

func (m *MockConversationStore) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type fakeTrack struct {
	id   string
	kind string
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

type fakeStream struct {
	id    string
	audio call.Track
	video call.Track

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	releases     int
}

func (s *fakeStream) ID() string            { return s.id }
func (s *fakeStream) AudioTrack() call.Track { return s.audio }
func (s *fakeStream) VideoTrack() call.Track { return s.video }

func (s *fakeStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *fakeStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

func (s *fakeStream) Release() {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
}

func (s *fakeStream) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func (s *fakeStream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

// fakeMedia hands out counted streams
type fakeMedia struct {
	mu             sync.Mutex
	fail           error
	screenFail     error
	streams        []*fakeStream
	screenReleases int
}

func (m *fakeMedia) Acquire(ctx context.Context, callType domain.CallType) (call.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	n := len(m.streams)
	stream := &fakeStream{
		id:           fmt.Sprintf("stream-%d", n),
		audio:        &fakeTrack{id: fmt.Sprintf("audio-%d", n), kind: "audio"},
		audioEnabled: true,
		videoEnabled: true,
	}
	if callType == domain.CallTypeVideo {
		stream.video = &fakeTrack{id: fmt.Sprintf("video-%d", n), kind: "video"}
	}
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *fakeMedia) AcquireScreen(ctx context.Context) (call.Track, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenFail != nil {
		return nil, nil, m.screenFail
	}
	track := &fakeTrack{id: "screen", kind: "video"}
	return track, func() {
		m.mu.Lock()
		m.screenReleases++
		m.mu.Unlock()
	}, nil
}

func (m *fakeMedia) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

func (m *fakeMedia) ScreenReleases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenReleases
}

// serial runs callbacks one at a time in submission order on its own goroutine
type serial struct {
	mu      sync.Mutex
	fns     []func()
	running bool
	closed  bool
}

func (q *serial) do(f func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.fns = append(q.fns, f)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *serial) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.fns) == 0 {
			q.fns = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		f := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		f()
	}
}

func (q *serial) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

type fakePayload struct {
	Kind string `json:"kind"`
}

// fakeTransport completes an offer/answer exchange carried over the real signaling path
type fakeTransport struct {
	cfg     call.TransportConfig
	cb      call.TransportCallbacks
	factory *fakeFactory
	events  serial

	mu       sync.Mutex
	state    domain.ConnectionState
	video    call.Track
	replaced []call.Track
	closed   bool
}

func (t *fakeTransport) RemoteUserID() uuid.UUID { return t.cfg.RemoteUserID }
func (t *fakeTransport) Role() domain.PeerRole    { return t.cfg.Role }

func (t *fakeTransport) State() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) setState(state domain.ConnectionState) {
	t.events.do(func() {
		t.mu.Lock()
		t.state = state
		t.mu.Unlock()
		t.cb.OnStateChange(state)
	})
}

func (t *fakeTransport) signal(kind string) {
	payload, _ := json.Marshal(fakePayload{Kind: kind})
	t.events.do(func() { t.cb.OnLocalSignal(payload) })
}

func (t *fakeTransport) Start(ctx context.Context) error {
	if t.cfg.Role == domain.PeerRoleInitiator {
		t.setState(domain.ConnectionStateConnecting)
		t.signal("offer")
	}
	return nil
}

func (t *fakeTransport) HandleSignal(ctx context.Context, payload []byte) error {
	var p fakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if t.factory.negotiationFails() {
		return apperrors.TransportNegotiationError(errors.New("remote description rejected"))
	}
	switch p.Kind {
	case "offer":
		t.setState(domain.ConnectionStateConnecting)
		t.signal("answer")
		t.setState(domain.ConnectionStateConnected)
		t.events.do(func() {
			t.cb.OnRemoteStream(&fakeRemoteStream{id: "remote-" + t.cfg.RemoteUserID.String()})
		})
	case "answer":
		t.setState(domain.ConnectionStateConnected)
	}
	return nil
}

func (t *fakeTransport) ReplaceVideoTrack(track call.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.video = track
	t.replaced = append(t.replaced, track)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.events.close()
	return nil
}

// fail simulates the connection dropping
func (t *fakeTransport) fail() {
	t.setState(domain.ConnectionStateFailed)
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Replaced() []call.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]call.Track(nil), t.replaced...)
}

type fakeRemoteStream struct {
	id string
}

func (s *fakeRemoteStream) ID() string { return s.id }

// fakeFactory records every transport it creates
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failNeg    bool
}

func (f *fakeFactory) NewTransport(cfg call.TransportConfig, cb call.TransportCallbacks) (call.PeerTransport, error) {
	t := &fakeTransport{cfg: cfg, cb: cb, factory: f, state: domain.ConnectionStateNew, video: cfg.Video}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) negotiationFails() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failNeg
}

func (f *fakeFactory) setNegotiationFails(fail bool) {
	f.mu.Lock()
	f.failNeg = fail
	f.mu.Unlock()
}

// toward returns every transport created toward remote, oldest first
func (f *fakeFactory) toward(remote uuid.UUID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.transports {
		if t.cfg.RemoteUserID == remote {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeFactory) live(remote uuid.UUID) *fakeTransport {
	all := f.toward(remote)
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Closed() {
			return all[i]
		}
	}
	return nil
}

// recorder collects observer events
type recorder struct {
	mu     sync.Mutex
	events []call.Event
}

func (r *recorder) record(e call.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(match func(call.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

// stallingChannel holds back every event of a blocked conversation until released
type stallingChannel struct {
	call.SignalingChannel

	mu      sync.Mutex
	blocked map[uuid.UUID]bool
	stall   chan struct{}
	once    sync.Once
}

func newStallingChannel(inner call.SignalingChannel) *stallingChannel {
	return &stallingChannel{
		SignalingChannel: inner,
		blocked:          make(map[uuid.UUID]bool),
		stall:            make(chan struct{}),
	}
}

func (s *stallingChannel) block(conversationID uuid.UUID) {
	s.mu.Lock()
	s.blocked[conversationID] = true
	s.mu.Unlock()
}

func (s *stallingChannel) release() {
	s.once.Do(func() { close(s.stall) })
}

func (s *stallingChannel) hold(ctx context.Context, msg *domain.SignalMessage) error {
	s.mu.Lock()
	blocked := s.blocked[msg.ConversationID]
	s.mu.Unlock()
	if !blocked {
		return nil
	}
	select {
	case <-s.stall:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stallingChannel) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if err := s.hold(ctx, msg); err != nil {
		return err
	}
	return s.SignalingChannel.Publish(ctx, msg)
}

func (s *stallingChannel) Invite(ctx context.Context, msg *domain.SignalMessage, invitees []uuid.UUID) error {
	if err := s.hold(ctx, msg); err != nil {
		return err
	}
	return s.SignalingChannel.Invite(ctx, msg, invitees)
}
