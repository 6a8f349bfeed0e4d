package call

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
)

// handleInvitation creates a ringing session for a call-started event addressed to the local user
func (c *Coordinator) handleInvitation(msg *domain.SignalMessage) {
	if msg == nil || msg.From == c.self || msg.Type != domain.SignalCallStarted {
		return
	}
	if c.dedup.Seen(msg.ID) {
		c.metrics.RecordDuplicateEvent()
		return
	}
	c.metrics.RecordSignalingEvent(string(msg.Type), "in")
	if c.lookup(msg.SessionID) != nil {
		return
	}

	var data domain.CallStartedData
	if err := msg.DecodeData(&data); err != nil {
		c.log.Warn("Dropping malformed invitation", logger.SessionID(msg.SessionID), zap.Error(err))
		return
	}
	if !data.CallType.Valid() {
		c.log.Warn("Dropping invitation with unknown call type",
			logger.SessionID(msg.SessionID),
			zap.String("call_type", string(data.CallType)),
		)
		return
	}

	s := c.newSession(domain.CallSession{
		ID:             msg.SessionID,
		ConversationID: msg.ConversationID,
		Type:           data.CallType,
		Status:         domain.CallStatusRinging,
		InitiatorID:    msg.From,
		OwnerID:        c.self,
		Invitees:       data.Invitees,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.PersistTimeout)
	if err := c.store.Create(ctx, s.view()); err != nil {
		c.sessionLog(s).Warn("Failed to persist incoming session", zap.Error(err))
	}
	cancel()
	c.appendLog(s, domain.SignalCallStarted, time.Now().UTC(), true)

	sub, err := c.join(c.runCtx, s.id)
	if err != nil {
		c.sessionLog(s).Error("Failed to join incoming session", zap.Error(err))
		c.withSession(s, func() {
			c.terminate(s, domain.CallStatusEnded, domain.EndReasonSignalingUnreachable, "")
		})
		c.register(s)
		return
	}

	c.withSession(s, func() {
		s.sub = sub
		c.upsertParticipant(s, msg.From, domain.DefaultMediaFlags(), 0)
		c.armRingTimer(s)
		c.notifier.emit(Event{Type: EventIncomingCall, SessionID: s.id, Session: s.view(), UserID: msg.From})
		c.emitStatus(s)
	})
	c.register(s)
	c.spawnDispatch(s)

	c.sessionLog(s).Info("Incoming call",
		logger.RemoteUserID(msg.From),
		zap.String("call_type", string(data.CallType)),
	)
}

func (c *Coordinator) spawnDispatch(s *callSession) {
	c.wg.Add(1)
	go c.dispatch(s)
}

// dispatch applies session messages in arrival order until the session ends
func (c *Coordinator) dispatch(s *callSession) {
	defer c.wg.Done()
	msgs := s.sub.Messages()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.onSubscriptionClosed(s)
				return
			}
			c.handleMessage(s, msg)
		}
	}
}

func (c *Coordinator) onSubscriptionClosed(s *callSession) {
	err := s.sub.Err()
	c.withSession(s, func() {
		if s.data.Status.Terminal() {
			return
		}
		c.sessionLog(s).Error("Signaling subscription lost", zap.Error(err))
		c.terminate(s, domain.CallStatusEnded, domain.EndReasonSignalingUnreachable, "")
	})
}

func (c *Coordinator) handleMessage(s *callSession, msg *domain.SignalMessage) {
	if msg == nil || msg.From == c.self || msg.SessionID != s.id || !msg.AddressedTo(c.self) {
		return
	}
	if c.dedup.Seen(msg.ID) {
		c.metrics.RecordDuplicateEvent()
		return
	}
	c.metrics.RecordSignalingEvent(string(msg.Type), "in")

	c.withSession(s, func() {
		if s.data.Status.Terminal() {
			return
		}
		switch msg.Type {
		case domain.SignalAccepted:
			c.onRemoteAccepted(s, msg)
		case domain.SignalDeclined, domain.SignalTimeout:
			c.onRemoteDeclined(s, msg)
		case domain.SignalCallEnded, domain.SignalParticipantLeft:
			c.onRemoteLeft(s, msg)
		case domain.SignalParticipantUpdated:
			c.onRemoteUpdated(s, msg)
		case domain.SignalPayload:
			c.onPayload(s, msg)
		}
	})
}

func (c *Coordinator) onRemoteAccepted(s *callSession, msg *domain.SignalMessage) {
	var data domain.AcceptedData
	if err := msg.DecodeData(&data); err != nil {
		c.sessionLog(s).Warn("Dropping malformed accept", logger.RemoteUserID(msg.From), zap.Error(err))
		return
	}
	// A resent accept must not tear down a live transport; a rejoin carries a newer seq
	if p := s.participants[msg.From]; p != nil && p.Active() && s.peers[msg.From] != nil && msg.Seq <= p.FlagsSeq {
		c.sessionLog(s).Debug("Dropping repeated accept", logger.RemoteUserID(msg.From))
		return
	}
	delete(s.pending, msg.From)
	p := c.upsertParticipant(s, msg.From, data.MediaFlags, msg.Seq)
	c.emitParticipant(s, p)

	if !c.joined(s) {
		return
	}
	if existing := s.peers[msg.From]; existing != nil {
		c.dropPeer(s, existing)
	}
	role := domain.PeerRoleInitiator
	if lo.Contains(data.InitiateTo, c.self) {
		role = domain.PeerRoleResponder
	}
	c.openPeer(s, msg.From, role, 0)
}

func (c *Coordinator) onRemoteDeclined(s *callSession, msg *domain.SignalMessage) {
	if _, pending := s.pending[msg.From]; pending && c.isCaller(s) {
		delete(s.pending, msg.From)
		if msg.Type == domain.SignalDeclined {
			s.declined++
		}
		c.sessionLog(s).Info("Invitee did not join",
			logger.RemoteUserID(msg.From),
			zap.String("event", string(msg.Type)),
		)
		c.checkRemaining(s, domain.EndReasonRemoteEnd)
		return
	}
	c.onRemoteLeft(s, msg)
}

// onRemoteLeft handles a participant leaving. The initiator ending the call
// before the local user answered makes the call missed.
func (c *Coordinator) onRemoteLeft(s *callSession, msg *domain.SignalMessage) {
	from := msg.From
	if !c.joined(s) {
		if from == s.data.InitiatorID && msg.Type != domain.SignalParticipantLeft {
			c.terminate(s, domain.CallStatusMissed, domain.EndReasonRemoteEnd, "")
			return
		}
		c.markLeft(s, from)
		return
	}
	delete(s.pending, from)
	c.removeParticipant(s, from, domain.EndReasonRemoteEnd)
}

func (c *Coordinator) onRemoteUpdated(s *callSession, msg *domain.SignalMessage) {
	p := s.participants[msg.From]
	if p == nil || !p.Active() {
		return
	}
	if msg.Seq <= p.FlagsSeq {
		c.sessionLog(s).Debug("Dropping stale media update", logger.RemoteUserID(msg.From))
		return
	}
	var data domain.ParticipantUpdatedData
	if err := msg.DecodeData(&data); err != nil {
		c.sessionLog(s).Warn("Dropping malformed media update", logger.RemoteUserID(msg.From), zap.Error(err))
		return
	}
	p.MediaFlags = data.MediaFlags
	p.FlagsSeq = msg.Seq
	c.persistParticipant(s, p)
	c.emitParticipant(s, p)
}

// onPayload routes a negotiation payload to the transport of its epoch.
// Payloads of an older epoch are discarded; a newer epoch replaces the transport.
func (c *Coordinator) onPayload(s *callSession, msg *domain.SignalMessage) {
	if !c.joined(s) {
		return
	}
	from := msg.From
	entry := s.peers[from]
	current := s.epochs[from]
	if msg.Epoch < current {
		c.sessionLog(s).Debug("Dropping payload of a previous transport",
			logger.RemoteUserID(from),
			zap.Uint32("epoch", msg.Epoch),
			zap.Uint32("current", current),
		)
		return
	}

	switch {
	case entry != nil && entry.epoch == msg.Epoch:
	case entry != nil && entry.role == domain.PeerRoleResponder && entry.epoch == 0:
		entry.epoch = msg.Epoch
		s.epochs[from] = msg.Epoch
	case entry == nil || msg.Epoch > entry.epoch:
		p := s.participants[from]
		if p == nil || !p.Active() {
			return
		}
		if entry != nil {
			c.dropPeer(s, entry)
		}
		entry = c.openPeer(s, from, domain.PeerRoleResponder, msg.Epoch)
		if entry == nil {
			return
		}
	default:
		return
	}

	if err := entry.transport.HandleSignal(s.ctx, msg.Data); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeTransportNegotiationFailed) {
			c.sessionLog(s).Warn("Transport negotiation failed", logger.RemoteUserID(from), zap.Error(err))
			c.failPeer(s, entry)
			return
		}
		c.sessionLog(s).Debug("Ignoring transport payload", logger.RemoteUserID(from), zap.Error(err))
	}
}
