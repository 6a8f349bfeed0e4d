package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
)

// StartCall creates a session in the calling state and invites every other
// member of the conversation.
func (c *Coordinator) StartCall(ctx context.Context, conversationID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	if !callType.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown call type %q", callType))
	}
	if err := c.identity.Authorize(ctx, conversationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.busyLocked(uuid.Nil) {
		c.mu.Unlock()
		return nil, apperrors.AlreadyInCallError()
	}
	c.starting = true
	c.pruneLocked()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	members, err := c.conversations.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation participants: %w", err)
	}
	invitees := lo.Uniq(lo.Filter(members, func(id uuid.UUID, _ int) bool {
		return id != c.self && id != uuid.Nil
	}))
	if len(invitees) == 0 {
		return nil, apperrors.ValidationError("conversation has no other participants")
	}

	stream, err := c.media.Acquire(ctx, callType)
	if err != nil {
		return nil, apperrors.MediaUnavailableError(err)
	}

	now := time.Now().UTC()
	s := c.newSession(domain.CallSession{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Type:           callType,
		Status:         domain.CallStatusCalling,
		InitiatorID:    c.self,
		OwnerID:        c.self,
		Invitees:       invitees,
		Version:        1,
		CreatedAt:      now,
	})
	s.stream = stream
	if err := c.store.Create(ctx, s.view()); err != nil {
		c.sessionLog(s).Warn("Failed to persist new session", zap.Error(err))
	}
	c.metrics.IncActiveCalls()

	sub, err := c.join(ctx, s.id)
	if err != nil {
		c.withSession(s, func() {
			c.terminate(s, domain.CallStatusEnded, domain.EndReasonSignalingUnreachable, "")
		})
		c.register(s)
		return nil, apperrors.SignalingUnreachableError(err)
	}

	var view *domain.CallSession
	c.withSession(s, func() {
		s.sub = sub
		self := &domain.Participant{SessionID: s.id, UserID: c.self, JoinedAt: now, MediaFlags: s.flags}
		s.participants[c.self] = self
		c.persistParticipant(s, self)
		for _, id := range invitees {
			s.pending[id] = struct{}{}
		}
		c.enqueueControlTo(s, domain.SignalCallStarted, domain.CallStartedData{
			CallType:    callType,
			InitiatorID: c.self,
			Invitees:    invitees,
		}, invitees)
		c.armRingTimer(s)
		c.emitStatus(s)
		view = s.view()
	})
	c.register(s)
	c.spawnDispatch(s)

	c.sessionLog(s).Info("Call started",
		logger.ConversationID(conversationID),
		zap.String("call_type", string(callType)),
		zap.Int("invitees", len(invitees)),
	)
	return view, nil
}

// AcceptCall joins a ringing session. Calling it again, or after the session
// left ringing, is a no-op.
func (c *Coordinator) AcceptCall(ctx context.Context, sessionID uuid.UUID) error {
	s := c.lookup(sessionID)
	if s == nil {
		return apperrors.CallNotFoundError()
	}

	c.mu.Lock()
	if c.busyLocked(sessionID) {
		c.mu.Unlock()
		return apperrors.AlreadyInCallError()
	}
	s.mu.Lock()
	if s.data.Status != domain.CallStatusRinging || s.data.Accepted || s.accepting {
		s.mu.Unlock()
		c.mu.Unlock()
		return nil
	}
	s.accepting = true
	c.stopRingTimer(s)
	sctx := s.ctx
	callType := s.data.Type
	s.mu.Unlock()
	c.mu.Unlock()

	acquireCtx, cancel := mergeContexts(ctx, sctx)
	stream, err := c.media.Acquire(acquireCtx, callType)
	cancel()
	if err != nil {
		var result error
		c.withSession(s, func() {
			s.accepting = false
			if s.data.Status.Terminal() {
				return
			}
			result = apperrors.MediaUnavailableError(err)
			c.terminate(s, domain.CallStatusEnded, domain.EndReasonMediaUnavailable, domain.SignalCallEnded)
		})
		return result
	}

	roster, err := s.sub.Snapshot(ctx)
	if err != nil {
		c.log.Warn("Roster snapshot failed, using known participants", logger.SessionID(sessionID), zap.Error(err))
	}

	released := false
	c.withSession(s, func() {
		s.accepting = false
		if s.data.Status.Terminal() {
			released = true
			s.later(stream.Release)
			return
		}
		if err := c.persist(s, func(d *domain.CallSession) { d.Accepted = true }); err != nil {
			released = true
			s.later(stream.Release)
			return
		}
		s.stream = stream
		c.metrics.IncActiveCalls()

		now := time.Now().UTC()
		self := &domain.Participant{SessionID: s.id, UserID: c.self, JoinedAt: now, MediaFlags: s.flags}
		s.participants[c.self] = self
		c.persistParticipant(s, self)

		for _, presence := range roster {
			if presence.UserID == c.self {
				continue
			}
			c.upsertParticipant(s, presence.UserID, presence.MediaFlags, 0)
		}
		targets := lo.Filter(lo.Keys(s.participants), func(id uuid.UUID, _ int) bool {
			return id != c.self && s.participants[id].Active()
		})

		// The announcement precedes any offer so receivers know the sender before its payloads arrive.
		c.enqueueControl(s, domain.SignalAccepted, domain.AcceptedData{InitiateTo: targets, MediaFlags: s.flags})
		c.emitStatus(s)

		if len(targets) == 0 {
			c.terminate(s, domain.CallStatusEnded, domain.EndReasonAllPeersGone, domain.SignalCallEnded)
			return
		}
		for _, remote := range targets {
			c.openPeer(s, remote, domain.PeerRoleInitiator, 0)
		}
	})
	if released {
		c.log.Debug("Accept raced with session end", logger.SessionID(sessionID))
	}
	return nil
}

// DeclineCall rejects a ringing session. On any other live session it behaves like EndCall.
func (c *Coordinator) DeclineCall(ctx context.Context, sessionID uuid.UUID) error {
	s := c.lookup(sessionID)
	if s == nil {
		return apperrors.CallNotFoundError()
	}
	c.withSession(s, func() {
		c.hangUp(s)
	})
	return nil
}

// EndCall leaves a session from any live state. All transports, media and the
// signaling subscription are released before it returns.
func (c *Coordinator) EndCall(ctx context.Context, sessionID uuid.UUID) error {
	s := c.lookup(sessionID)
	if s == nil {
		return apperrors.CallNotFoundError()
	}
	c.withSession(s, func() {
		c.hangUp(s)
	})
	return nil
}

func (c *Coordinator) hangUp(s *callSession) {
	switch {
	case s.data.Status.Terminal():
		return
	case s.data.Status == domain.CallStatusRinging && !s.data.Accepted:
		c.terminate(s, domain.CallStatusDeclined, domain.EndReasonDeclined, domain.SignalDeclined)
	default:
		c.terminate(s, domain.CallStatusEnded, domain.EndReasonLocalEnd, domain.SignalCallEnded)
	}
}

// ToggleMute flips the local audio and returns the new muted state
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.updateFlags(func(s *callSession) error {
		s.flags.IsMuted = !s.flags.IsMuted
		muted = s.flags.IsMuted
		if s.stream != nil {
			s.stream.SetAudioEnabled(!muted)
		}
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local camera and returns the new enabled state
func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.updateFlags(func(s *callSession) error {
		s.flags.IsVideoEnabled = !s.flags.IsVideoEnabled
		enabled = s.flags.IsVideoEnabled
		if s.stream != nil {
			s.stream.SetVideoEnabled(enabled)
		}
		return nil
	})
	return enabled, err
}

// ToggleScreenShare swaps the outgoing video of every transport between the
// camera and a screen capture. It returns the new sharing state.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) (bool, error) {
	s := c.activeSession()
	if s == nil {
		return false, apperrors.InvalidTransitionError("idle", "toggle-screen-share")
	}

	s.mu.Lock()
	sharing := s.flags.IsScreenSharing
	sctx := s.ctx
	s.mu.Unlock()

	if sharing {
		err := c.updateFlagsOn(s, func(s *callSession) error {
			if !s.flags.IsScreenSharing {
				return errNoChange
			}
			var camera Track
			if s.stream != nil {
				camera = s.stream.VideoTrack()
			}
			c.replaceVideo(s, camera)
			if release := s.screenRelease; release != nil {
				s.later(release)
			}
			s.screen, s.screenRelease = nil, nil
			s.flags.IsScreenSharing = false
			return nil
		})
		if errors.Is(err, errNoChange) {
			err = nil
		}
		if err != nil {
			return true, err
		}
		return false, nil
	}

	acquireCtx, cancel := mergeContexts(ctx, sctx)
	track, release, err := c.media.AcquireScreen(acquireCtx)
	cancel()
	if err != nil {
		return false, apperrors.MediaUnavailableError(err)
	}

	stored := false
	err = c.updateFlagsOn(s, func(s *callSession) error {
		if s.flags.IsScreenSharing {
			return errNoChange
		}
		c.replaceVideo(s, track)
		s.screen, s.screenRelease = track, release
		s.flags.IsScreenSharing = true
		stored = true
		return nil
	})
	if !stored {
		release()
	}
	switch {
	case errors.Is(err, errNoChange):
		return true, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

var errNoChange = errors.New("no change")

func (c *Coordinator) updateFlags(mutate func(s *callSession) error) error {
	s := c.activeSession()
	if s == nil {
		return apperrors.InvalidTransitionError("idle", "toggle")
	}
	err := c.updateFlagsOn(s, mutate)
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

func (c *Coordinator) updateFlagsOn(s *callSession, mutate func(s *callSession) error) error {
	var err error
	c.withSession(s, func() {
		if s.data.Status.Terminal() {
			err = apperrors.InvalidTransitionError(string(s.data.Status), "toggle")
			return
		}
		if err = mutate(s); err != nil {
			return
		}
		if self := s.participants[c.self]; self != nil {
			self.MediaFlags = s.flags
			c.persistParticipant(s, self)
			c.emitParticipant(s, self)
		}
		c.enqueueControl(s, domain.SignalParticipantUpdated, domain.ParticipantUpdatedData{MediaFlags: s.flags})
	})
	return err
}

func (c *Coordinator) replaceVideo(s *callSession, track Track) {
	for remote, p := range s.peers {
		if err := p.transport.ReplaceVideoTrack(track); err != nil {
			c.sessionLog(s).Warn("Failed to replace outgoing video", logger.RemoteUserID(remote), zap.Error(err))
		}
	}
}

func (c *Coordinator) register(s *callSession) {
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
}

// join subscribes to a session, retrying with the signaling breaker
func (c *Coordinator) join(ctx context.Context, sessionID uuid.UUID) (Subscription, error) {
	var sub Subscription
	err := c.breaker.Execute(ctx, "join", func(ctx context.Context) error {
		jctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
		defer cancel()
		var err error
		sub, err = c.signaling.Join(jctx, sessionID, c.self)
		return err
	})
	return sub, err
}

// mergeContexts returns a context cancelled when either parent is
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
