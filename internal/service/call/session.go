package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
)

type peerEntry struct {
	remote    uuid.UUID
	role      domain.PeerRole
	epoch     uint32
	state     domain.ConnectionState
	transport PeerTransport
	stream    RemoteStream
}

// callSession is the mutable state of one session. Every field is guarded by mu,
// which is the single-writer point for the session.
type callSession struct {
	id uuid.UUID

	mu           sync.Mutex
	data         domain.CallSession
	participants map[uuid.UUID]*domain.Participant
	peers        map[uuid.UUID]*peerEntry
	epochs       map[uuid.UUID]uint32
	reconnects   map[uuid.UUID]int
	pending      map[uuid.UUID]struct{}
	declined     int

	flags         domain.MediaFlags
	stream        LocalStream
	screen        Track
	screenRelease func()

	sub       Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	ringTimer *time.Timer
	accepting bool

	// deferred runs after mu is released
	deferred []func()
}

func (c *Coordinator) newSession(data domain.CallSession) *callSession {
	ctx, cancel := context.WithCancel(c.runCtx)
	return &callSession{
		id:           data.ID,
		data:         data,
		participants: make(map[uuid.UUID]*domain.Participant),
		peers:        make(map[uuid.UUID]*peerEntry),
		epochs:       make(map[uuid.UUID]uint32),
		reconnects:   make(map[uuid.UUID]int),
		pending:      make(map[uuid.UUID]struct{}),
		flags:        domain.DefaultMediaFlags(),
		ctx:          logger.WithSessionID(ctx, data.ID),
		cancel:       cancel,
	}
}

// withSession runs fn as the session's single writer, then runs deferred cleanup unlocked
func (c *Coordinator) withSession(s *callSession, fn func()) {
	s.mu.Lock()
	fn()
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, f := range deferred {
		f()
	}
}

func (s *callSession) later(f func()) {
	s.deferred = append(s.deferred, f)
}

func (s *callSession) view() *domain.CallSession {
	v := s.data
	v.Invitees = append([]uuid.UUID(nil), s.data.Invitees...)
	return &v
}

// joined reports whether the local user takes part in media exchange
func (c *Coordinator) joined(s *callSession) bool {
	return s.data.InitiatorID == c.self || s.data.Accepted
}

func (c *Coordinator) isCaller(s *callSession) bool {
	return s.data.InitiatorID == c.self
}

func (c *Coordinator) activeRemotes(s *callSession) int {
	n := 0
	for id, p := range s.participants {
		if id != c.self && p.Active() {
			n++
		}
	}
	return n
}

func (c *Coordinator) sessionLog(s *callSession) *zap.Logger {
	return c.log.With(logger.SessionID(s.id), zap.String("status", string(s.data.Status)))
}

// persist applies mutate to a copy of the session and stores it with an optimistic
// version check. A lost race returns a stale-version error and leaves s untouched;
// any other store failure is logged and the in-memory state still advances.
func (c *Coordinator) persist(s *callSession, mutate func(*domain.CallSession)) error {
	next := s.data
	mutate(&next)
	expected := s.data.Version
	next.Version = expected + 1

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.store.UpdateStatus(ctx, &next, expected); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeStaleVersion) {
			c.sessionLog(s).Info("Session transition lost to a concurrent writer",
				zap.String("attempted_status", string(next.Status)))
			return err
		}
		c.sessionLog(s).Warn("Failed to persist session", zap.Error(err))
	}
	s.data = next
	return nil
}

func (c *Coordinator) persistParticipant(s *callSession, p *domain.Participant) {
	snapshot := *p
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.store.UpsertParticipant(ctx, &snapshot); err != nil {
		c.sessionLog(s).Warn("Failed to persist participant", logger.RemoteUserID(p.UserID), zap.Error(err))
	}
}

// appendLog records the session's current status. Records that are not
// published stay undelivered until the outbox marks them.
func (c *Coordinator) appendLog(s *callSession, event domain.SignalType, at time.Time, delivered bool) uuid.UUID {
	rec := &domain.SessionLogRecord{
		ID:             uuid.New(),
		SessionID:      s.id,
		ConversationID: s.data.ConversationID,
		ParticipantID:  c.self,
		Event:          event,
		Status:         s.data.Status,
		Timestamp:      at,
		Delivered:      delivered,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.store.AppendLog(ctx, rec); err != nil {
		c.sessionLog(s).Warn("Failed to append session log", zap.String("event", string(event)), zap.Error(err))
		return uuid.Nil
	}
	return rec.ID
}

// transition moves a live session along the status graph and logs the new
// status. announce names the event that will publish it, if any; the returned
// record is then left undelivered. ok is false when the edge is invalid or
// the version check lost.
func (c *Coordinator) transition(s *callSession, to domain.CallStatus, announce domain.SignalType, mutate func(*domain.CallSession)) (recordID uuid.UUID, ok bool) {
	from := s.data.Status
	if !domain.CanTransition(from, to) {
		c.sessionLog(s).Debug("Ignoring invalid transition",
			zap.Error(apperrors.InvalidTransitionError(string(from), string(to))))
		return uuid.Nil, false
	}
	err := c.persist(s, func(d *domain.CallSession) {
		d.Status = to
		if mutate != nil {
			mutate(d)
		}
	})
	if err != nil {
		return uuid.Nil, false
	}
	recordID = c.appendLog(s, announce, time.Now().UTC(), announce == "")
	c.emitStatus(s)
	return recordID, true
}

func (c *Coordinator) markConnected(s *callSession) {
	if s.data.Status == domain.CallStatusConnected || s.data.Status.Terminal() {
		return
	}
	c.transition(s, domain.CallStatusConnected, "", func(d *domain.CallSession) {
		now := time.Now().UTC()
		d.ConnectedAt = &now
	})
}

// terminate moves s to a terminal status and releases every resource it holds.
// announce, when set, is published to the other participants. The signaling
// subscription stays open until the session outbox has flushed, so the relay
// still counts the local user as a member when the announcement goes out.
func (c *Coordinator) terminate(s *callSession, status domain.CallStatus, reason domain.EndReason, announce domain.SignalType) bool {
	if s.data.Status.Terminal() {
		return false
	}
	recordID, ok := c.transition(s, status, announce, func(d *domain.CallSession) {
		now := time.Now().UTC()
		d.EndedAt = &now
		d.EndReason = reason
	})
	if !ok {
		return false
	}

	last := outboxItem{recordID: recordID, final: true}
	if announce != "" {
		last.msg = c.newControl(s, announce, nil)
	}
	if sub := s.sub; sub != nil {
		last.after = func() {
			if err := sub.Close(); err != nil {
				c.log.Debug("Failed to close subscription", logger.SessionID(s.id), zap.Error(err))
			}
		}
	}
	c.push(s.id, last)

	s.cancel()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}

	for remote, p := range s.peers {
		c.dropPeer(s, p)
		c.notifier.emit(Event{Type: EventPeerRemoved, SessionID: s.id, UserID: remote})
	}
	now := time.Now().UTC()
	for _, p := range s.participants {
		if p.Active() {
			p.LeftAt = &now
			c.persistParticipant(s, p)
		}
	}

	if stream := s.stream; stream != nil {
		s.later(stream.Release)
	}
	if release := s.screenRelease; release != nil {
		s.screenRelease = nil
		s.later(release)
	}

	callType := string(s.data.Type)
	c.metrics.RecordCall(callType, string(status))
	if c.joined(s) {
		c.metrics.DecActiveCalls()
	}
	if d := s.data.Duration(); d > 0 {
		c.metrics.RecordCallDuration(callType, d)
	}
	switch reason {
	case domain.EndReasonSignalingUnreachable, domain.EndReasonMediaUnavailable, domain.EndReasonAllPeersGone:
		c.metrics.RecordCallFailure(callType, string(reason))
	}

	c.sessionLog(s).Info("Call session finished", zap.String("reason", string(reason)))
	return true
}

func (c *Coordinator) emitStatus(s *callSession) {
	c.notifier.emit(Event{Type: EventStatusChanged, SessionID: s.id, Session: s.view()})
}

func (c *Coordinator) emitParticipant(s *callSession, p *domain.Participant) {
	snapshot := *p
	c.notifier.emit(Event{Type: EventParticipantUpdated, SessionID: s.id, UserID: p.UserID, Participant: &snapshot})
}

// upsertParticipant records remote as active with flags, reactivating a departed entry
func (c *Coordinator) upsertParticipant(s *callSession, remote uuid.UUID, flags domain.MediaFlags, seq uint64) *domain.Participant {
	p, ok := s.participants[remote]
	if !ok {
		p = &domain.Participant{SessionID: s.id, UserID: remote, JoinedAt: time.Now().UTC()}
		s.participants[remote] = p
	}
	if p.LeftAt != nil {
		p.LeftAt = nil
		p.JoinedAt = time.Now().UTC()
	}
	if seq >= p.FlagsSeq {
		p.MediaFlags = flags
		p.FlagsSeq = seq
	}
	c.persistParticipant(s, p)
	return p
}

func (c *Coordinator) armRingTimer(s *callSession) {
	s.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.withSession(s, func() {
			if s.data.Status.Terminal() || s.data.Accepted || s.accepting {
				return
			}
			if c.isCaller(s) && c.activeRemotes(s) > 0 {
				return
			}
			c.sessionLog(s).Info("Call not answered in time")
			c.terminate(s, domain.CallStatusMissed, domain.EndReasonTimeout, domain.SignalTimeout)
		})
	})
}

func (c *Coordinator) stopRingTimer(s *callSession) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
}
