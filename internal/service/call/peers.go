package call

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/logger"
)

// openPeer creates the single transport toward remote. An initiator takes the
// next epoch; a responder uses epoch, or adopts the first one it receives when zero.
func (c *Coordinator) openPeer(s *callSession, remote uuid.UUID, role domain.PeerRole, epoch uint32) *peerEntry {
	if s.data.Status.Terminal() {
		return nil
	}
	if existing := s.peers[remote]; existing != nil {
		c.dropPeer(s, existing)
	}
	if role == domain.PeerRoleInitiator {
		epoch = s.epochs[remote] + 1
	}
	if epoch > 0 {
		s.epochs[remote] = epoch
	}

	entry := &peerEntry{
		remote: remote,
		role:   role,
		epoch:  epoch,
		state:  domain.ConnectionStateNew,
	}
	cfg := TransportConfig{
		SessionID:    s.id,
		LocalUserID:  c.self,
		RemoteUserID: remote,
		Role:         role,
		Polite:       c.self.String() < remote.String(),
		Stream:       s.stream,
		Video:        s.screen,
	}
	transport, err := c.transports.NewTransport(cfg, TransportCallbacks{
		OnLocalSignal: func(payload []byte) {
			c.withSession(s, func() {
				if s.peers[remote] != entry || s.data.Status.Terminal() {
					return
				}
				c.enqueuePayload(s, entry, payload)
			})
		},
		OnStateChange: func(state domain.ConnectionState) {
			c.onPeerState(s, entry, state)
		},
		OnRemoteStream: func(stream RemoteStream) {
			c.withSession(s, func() {
				if s.peers[remote] != entry {
					return
				}
				entry.stream = stream
				c.notifier.emit(Event{
					Type:      EventRemoteStreamAvailable,
					SessionID: s.id,
					UserID:    remote,
					Stream:    stream,
					StreamID:  stream.ID(),
				})
			})
		},
	})
	if err != nil {
		c.sessionLog(s).Error("Failed to create peer transport", logger.RemoteUserID(remote), zap.Error(err))
		c.metrics.RecordTransportState(string(domain.ConnectionStateFailed))
		c.removeParticipant(s, remote, domain.EndReasonAllPeersGone)
		return nil
	}
	entry.transport = transport
	s.peers[remote] = entry

	c.sessionLog(s).Debug("Opened peer transport",
		logger.RemoteUserID(remote),
		zap.String("role", string(role)),
		zap.Uint32("epoch", epoch),
	)

	if err := transport.Start(s.ctx); err != nil {
		c.sessionLog(s).Warn("Failed to start peer transport", logger.RemoteUserID(remote), zap.Error(err))
		c.failPeer(s, entry)
		if s.peers[remote] == nil {
			return nil
		}
		return s.peers[remote]
	}
	return entry
}

func (c *Coordinator) onPeerState(s *callSession, entry *peerEntry, state domain.ConnectionState) {
	c.withSession(s, func() {
		if s.peers[entry.remote] != entry || s.data.Status.Terminal() || entry.state == state {
			return
		}
		entry.state = state
		c.metrics.RecordTransportState(string(state))
		c.notifier.emit(Event{Type: EventPeerStateChanged, SessionID: s.id, UserID: entry.remote, State: state})

		switch state {
		case domain.ConnectionStateConnected:
			if s.reconnects[entry.remote] > 0 {
				c.metrics.RecordReconnect("recovered")
			}
			s.reconnects[entry.remote] = 0
			if c.joined(s) {
				c.markConnected(s)
			}
		case domain.ConnectionStateFailed:
			c.failPeer(s, entry)
		case domain.ConnectionStateClosed:
			c.removeParticipant(s, entry.remote, domain.EndReasonRemoteEnd)
		}
	})
}

// dropPeer detaches a transport from the arena and closes it once the session lock is released
func (c *Coordinator) dropPeer(s *callSession, p *peerEntry) {
	if s.peers[p.remote] == p {
		delete(s.peers, p.remote)
	}
	transport := p.transport
	if transport == nil {
		return
	}
	s.later(func() {
		if err := transport.Close(); err != nil {
			c.log.Debug("Failed to close peer transport",
				logger.SessionID(s.id),
				logger.RemoteUserID(p.remote),
				zap.Error(err),
			)
		}
	})
}

// failPeer replaces a failed transport while reconnect attempts remain,
// otherwise removes the remote participant.
func (c *Coordinator) failPeer(s *callSession, p *peerEntry) {
	remote := p.remote
	c.dropPeer(s, p)

	participant := s.participants[remote]
	if participant != nil && participant.Active() && s.reconnects[remote] < c.cfg.MaxReconnectAttempts {
		s.reconnects[remote]++
		c.metrics.RecordReconnect("attempt")
		c.sessionLog(s).Info("Reconnecting peer transport",
			logger.RemoteUserID(remote),
			zap.Int("attempt", s.reconnects[remote]),
		)
		c.openPeer(s, remote, p.role, 0)
		return
	}

	c.metrics.RecordReconnect("exhausted")
	c.sessionLog(s).Warn("Peer transport failed", logger.RemoteUserID(remote))
	c.removeParticipant(s, remote, domain.EndReasonAllPeersGone)
}

// removeParticipant ends media with remote, marks them as left and settles the session
func (c *Coordinator) removeParticipant(s *callSession, remote uuid.UUID, reason domain.EndReason) {
	if p := s.peers[remote]; p != nil {
		c.dropPeer(s, p)
		c.notifier.emit(Event{Type: EventPeerRemoved, SessionID: s.id, UserID: remote})
	}
	delete(s.reconnects, remote)
	c.markLeft(s, remote)
	c.checkRemaining(s, reason)
}

func (c *Coordinator) markLeft(s *callSession, remote uuid.UUID) {
	p := s.participants[remote]
	if p == nil || !p.Active() {
		return
	}
	now := time.Now().UTC()
	p.LeftAt = &now
	c.persistParticipant(s, p)
	c.emitParticipant(s, p)
}

// checkRemaining ends a joined session once no remote participant is left.
// A caller still ringing invitees keeps waiting; when the last invitee answered
// without joining the call is declined or missed.
func (c *Coordinator) checkRemaining(s *callSession, reason domain.EndReason) {
	if s.data.Status.Terminal() || !c.joined(s) || c.activeRemotes(s) > 0 {
		return
	}
	if c.isCaller(s) && s.data.Status == domain.CallStatusCalling {
		if len(s.pending) > 0 {
			return
		}
		if len(s.participants) <= 1 {
			if s.declined >= len(s.data.Invitees) {
				c.terminate(s, domain.CallStatusDeclined, domain.EndReasonDeclined, domain.SignalCallEnded)
			} else {
				c.terminate(s, domain.CallStatusMissed, domain.EndReasonTimeout, domain.SignalCallEnded)
			}
			return
		}
	}
	c.terminate(s, domain.CallStatusEnded, reason, domain.SignalCallEnded)
}
