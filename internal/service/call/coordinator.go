package call

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/cache"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/resilience"
)

// Config is the session policy of a Coordinator
type Config struct {
	RingTimeout          time.Duration
	MaxReconnectAttempts int
	Publish              resilience.Policy
	PublishTimeout       time.Duration
	DedupTTL             time.Duration
	PersistTimeout       time.Duration
	// DrainTimeout bounds how long Close waits for queued signaling events
	DrainTimeout time.Duration
}

// DefaultConfig returns the policy used when fields are left zero
func DefaultConfig() Config {
	return Config{
		RingTimeout:          45 * time.Second,
		MaxReconnectAttempts: 1,
		Publish:              resilience.DefaultPolicy(),
		PublishTimeout:       5 * time.Second,
		DedupTTL:             10 * time.Minute,
		PersistTimeout:       3 * time.Second,
		DrainTimeout:         2 * time.Second,
	}
}

// Dependencies are the collaborators of a Coordinator
type Dependencies struct {
	Identity      Identity
	Media         MediaSource
	Transports    TransportFactory
	Signaling     SignalingChannel
	Conversations ConversationStore
	// Store defaults to an in-memory store
	Store   SessionStore
	Metrics *metrics.Metrics
}

// Coordinator owns the call sessions of one local user
type Coordinator struct {
	cfg  Config
	self uuid.UUID
	log  *zap.Logger

	identity      Identity
	media         MediaSource
	transports    TransportFactory
	signaling     SignalingChannel
	conversations ConversationStore
	store         SessionStore
	metrics       *metrics.Metrics

	// breaker guards session joins; each session outbox has its own
	breaker  *resilience.Breaker
	dedup    *cache.EventDedup
	notifier *notifier
	seq      atomic.Uint64

	outboxMu sync.Mutex
	outboxes map[uuid.UUID]*sessionOutbox
	draining bool
	outboxWG sync.WaitGroup

	mu       sync.Mutex
	sessions map[uuid.UUID]*callSession
	starting bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator for the user resolved by deps.Identity
func NewCoordinator(cfg Config, deps Dependencies) *Coordinator {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	store := deps.Store
	if store == nil {
		store = NewMemoryStore()
	}

	self := deps.Identity.UserID()
	log := logger.With(logger.UserID(self), zap.String("component", "call-coordinator"))
	runCtx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:           cfg,
		self:          self,
		log:           log,
		identity:      deps.Identity,
		media:         deps.Media,
		transports:    deps.Transports,
		signaling:     deps.Signaling,
		conversations: deps.Conversations,
		store:         store,
		metrics:       deps.Metrics,
		breaker:       resilience.NewBreaker("signaling", cfg.Publish),
		dedup:         cache.NewEventDedup(cfg.DedupTTL, 10000),
		notifier:      newNotifier(log),
		outboxes:      make(map[uuid.UUID]*sessionOutbox),
		sessions:      make(map[uuid.UUID]*callSession),
		runCtx:        runCtx,
		cancelRun:     cancel,
	}

	go c.notifier.run()
	return c
}

// UserID returns the local user
func (c *Coordinator) UserID() uuid.UUID {
	return c.self
}

// Start begins listening for incoming call invitations
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		var invites <-chan *domain.SignalMessage
		invites, err = c.signaling.Listen(c.runCtx, c.self)
		if err != nil {
			return
		}
		c.wg.Add(1)
		go c.listen(invites)
		c.log.Info("Call coordinator started")
	})
	return err
}

// Observe registers fn for every coordinator event. The returned func unregisters it.
func (c *Coordinator) Observe(fn func(Event)) func() {
	return c.notifier.subscribe(fn)
}

// Close ends every live session, flushes queued signaling and stops all goroutines
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		for _, s := range c.liveSessions() {
			if err := c.EndCall(context.Background(), s.id); err != nil {
				c.log.Warn("Failed to end call on shutdown", logger.SessionID(s.id), zap.Error(err))
			}
		}

		if !c.drainOutboxes(c.cfg.DrainTimeout) {
			c.log.Warn("Signaling outbox not drained before shutdown")
		}
		c.cancelRun()
		c.outboxWG.Wait()
		c.wg.Wait()
		c.notifier.stop()
		c.log.Info("Call coordinator stopped")
	})
	return nil
}

func (c *Coordinator) listen(invites <-chan *domain.SignalMessage) {
	defer c.wg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case msg, ok := <-invites:
			if !ok {
				return
			}
			c.handleInvitation(msg)
		}
	}
}

func (c *Coordinator) lookup(id uuid.UUID) *callSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Coordinator) liveSessions() []*callSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*callSession
	for _, s := range c.sessions {
		s.mu.Lock()
		if !s.data.Status.Terminal() {
			out = append(out, s)
		}
		s.mu.Unlock()
	}
	return out
}

// busyLocked reports whether the local user is in a call other than exclude. c.mu must be held.
func (c *Coordinator) busyLocked(exclude uuid.UUID) bool {
	if c.starting {
		return true
	}
	for id, s := range c.sessions {
		if id == exclude {
			continue
		}
		s.mu.Lock()
		busy := !s.data.Status.Terminal() && (c.joined(s) || s.accepting)
		s.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// pruneLocked forgets sessions that ended long ago. c.mu must be held.
func (c *Coordinator) pruneLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for id, s := range c.sessions {
		s.mu.Lock()
		old := s.data.EndedAt != nil && s.data.EndedAt.Before(cutoff)
		s.mu.Unlock()
		if old {
			delete(c.sessions, id)
		}
	}
}

func (c *Coordinator) nextSeq() uint64 {
	for {
		last := c.seq.Load()
		next := uint64(time.Now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if c.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observable state

// PeerInfo describes one entry of the transport arena
type PeerInfo struct {
	RemoteUserID uuid.UUID              `json:"remote_user_id"`
	Role         domain.PeerRole        `json:"role"`
	State        domain.ConnectionState `json:"state"`
	Epoch        uint32                 `json:"epoch"`
}

// Session returns a snapshot of a session
func (c *Coordinator) Session(id uuid.UUID) (*domain.CallSession, bool) {
	s := c.lookup(id)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), true
}

// ActiveSession returns the session the local user has joined, if any
func (c *Coordinator) ActiveSession() (*domain.CallSession, bool) {
	s := c.activeSession()
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), true
}

// Sessions returns snapshots of all known sessions, newest first
func (c *Coordinator) Sessions() []*domain.CallSession {
	c.mu.Lock()
	all := lo.Values(c.sessions)
	c.mu.Unlock()

	out := lo.Map(all, func(s *callSession, _ int) *domain.CallSession {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.view()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Participants returns the participants of a session ordered by join time
func (c *Coordinator) Participants(id uuid.UUID) []domain.Participant {
	s := c.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.MapToSlice(s.participants, func(_ uuid.UUID, p *domain.Participant) domain.Participant {
		return *p
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Peers returns the transport arena of a session
func (c *Coordinator) Peers(id uuid.UUID) []PeerInfo {
	s := c.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.MapToSlice(s.peers, func(remote uuid.UUID, p *peerEntry) PeerInfo {
		return PeerInfo{RemoteUserID: remote, Role: p.role, State: p.state, Epoch: p.epoch}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteUserID.String() < out[j].RemoteUserID.String() })
	return out
}

// LocalStream returns the captured stream of a session, nil before media is acquired
func (c *Coordinator) LocalStream(id uuid.UUID) LocalStream {
	s := c.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// RemoteStreams returns the inbound streams of a session keyed by remote user
func (c *Coordinator) RemoteStreams(id uuid.UUID) map[uuid.UUID]RemoteStream {
	s := c.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]RemoteStream)
	for remote, p := range s.peers {
		if p.stream != nil {
			out[remote] = p.stream
		}
	}
	return out
}

func (c *Coordinator) activeSession() *callSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *callSession
	for _, s := range c.sessions {
		s.mu.Lock()
		live := !s.data.Status.Terminal() && c.joined(s)
		s.mu.Unlock()
		if live {
			best = s
			break
		}
	}
	return best
}
