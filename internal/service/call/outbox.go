package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/resilience"
)

type outboxItem struct {
	msg      *domain.SignalMessage
	invitees []uuid.UUID
	// recordID is the session log entry marked delivered after publishing
	recordID uuid.UUID
	// critical items end the session when they cannot be delivered
	critical bool
	// after runs once the item is delivered or finally dropped
	after func()
	// final retires the session outbox after this item
	final bool
}

// sessionOutbox serializes the signaling events of one session. Each has its
// own breaker so a session stuck on a failing relay does not stall the others.
type sessionOutbox struct {
	sessionID uuid.UUID
	queue     *queue[outboxItem]
	breaker   *resilience.Breaker
}

// enqueueControl publishes a control event in per-sender order and records it in the session log
func (c *Coordinator) enqueueControl(s *callSession, t domain.SignalType, data any) {
	c.enqueueControlTo(s, t, data, nil)
}

func (c *Coordinator) enqueueControlTo(s *callSession, t domain.SignalType, data any, invitees []uuid.UUID) {
	msg := c.newControl(s, t, data)
	if msg == nil {
		return
	}
	c.push(s.id, outboxItem{
		msg:      msg,
		invitees: invitees,
		recordID: c.appendLog(s, t, msg.Timestamp, false),
		critical: !t.Terminal(),
	})
}

func (c *Coordinator) newControl(s *callSession, t domain.SignalType, data any) *domain.SignalMessage {
	msg, err := domain.NewControl(t, c.self, s.id, s.data.ConversationID, data)
	if err != nil {
		c.sessionLog(s).Error("Failed to build control event", zap.Error(err))
		return nil
	}
	msg.Seq = c.nextSeq()
	c.metrics.RecordSignalingEvent(string(t), "out")
	return msg
}

func (c *Coordinator) enqueuePayload(s *callSession, p *peerEntry, payload []byte) {
	msg := domain.NewPayload(c.self, p.remote, s.id, p.epoch, payload)
	msg.Seq = c.nextSeq()
	c.push(s.id, outboxItem{msg: msg})
}

// push hands item to the outbox of sessionID, starting one on first use.
// It never blocks, so callers may hold the session lock.
func (c *Coordinator) push(sessionID uuid.UUID, item outboxItem) {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()

	ob, ok := c.outboxes[sessionID]
	if !ok {
		if item.msg == nil && item.after == nil {
			return
		}
		if c.draining {
			c.log.Warn("Dropping signaling event after shutdown", logger.SessionID(sessionID))
			c.dropItem(item)
			return
		}
		ob = &sessionOutbox{
			sessionID: sessionID,
			queue:     newQueue[outboxItem](),
			breaker:   resilience.NewBreaker("signaling", c.cfg.Publish),
		}
		c.outboxes[sessionID] = ob
		c.outboxWG.Add(1)
		go c.runOutbox(ob)
	}
	if !ob.queue.push(item) {
		c.dropItem(item)
		return
	}
	if item.final {
		delete(c.outboxes, sessionID)
		ob.queue.close()
	}
}

func (c *Coordinator) dropItem(item outboxItem) {
	if item.after != nil {
		go item.after()
	}
}

func (c *Coordinator) runOutbox(ob *sessionOutbox) {
	defer c.outboxWG.Done()
	for {
		item, ok := ob.queue.pop(c.runCtx)
		if !ok {
			break
		}
		c.deliver(ob, item)
	}
	leftover := ob.queue.drain()
	if len(leftover) > 0 {
		c.log.Warn("Signaling events dropped at shutdown",
			logger.SessionID(ob.sessionID), zap.Int("count", len(leftover)))
	}
	for _, item := range leftover {
		if item.after != nil {
			item.after()
		}
	}
}

func (c *Coordinator) deliver(ob *sessionOutbox, item outboxItem) {
	if item.after != nil {
		defer item.after()
	}
	msg := item.msg
	if msg == nil {
		return
	}
	err := ob.breaker.Execute(c.runCtx, string(msg.Type), func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
		defer cancel()
		if item.invitees != nil {
			return c.signaling.Invite(pctx, msg, item.invitees)
		}
		return c.signaling.Publish(pctx, msg)
	})
	if err != nil {
		c.metrics.RecordPublishFailure(string(msg.Type))
		c.log.Warn("Failed to publish signaling event",
			logger.SessionID(msg.SessionID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		if item.critical {
			c.onSignalingUnreachable(msg.SessionID, apperrors.SignalingUnreachableError(err))
		}
		return
	}

	if item.recordID != uuid.Nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		defer cancel()
		if err := c.store.MarkDelivered(ctx, item.recordID); err != nil {
			c.log.Warn("Failed to mark event delivered", logger.SessionID(msg.SessionID), zap.Error(err))
		}
	}
}

// publishDirect sends a control event outside any live session. Used by reconciliation.
func (c *Coordinator) publishDirect(msg *domain.SignalMessage, recordID uuid.UUID) {
	msg.Seq = c.nextSeq()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.push(msg.SessionID, outboxItem{msg: msg, recordID: recordID, final: true})
}

// drainOutboxes waits for every session outbox to flush, up to timeout
func (c *Coordinator) drainOutboxes(timeout time.Duration) bool {
	c.outboxMu.Lock()
	c.draining = true
	for id, ob := range c.outboxes {
		delete(c.outboxes, id)
		ob.queue.close()
	}
	c.outboxMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.outboxWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Coordinator) onSignalingUnreachable(sessionID uuid.UUID, err error) {
	s := c.lookup(sessionID)
	if s == nil {
		return
	}
	c.withSession(s, func() {
		if s.data.Status.Terminal() {
			return
		}
		c.sessionLog(s).Error("Signaling unreachable, ending call", zap.Error(err))
		c.terminate(s, domain.CallStatusEnded, domain.EndReasonSignalingUnreachable, "")
	})
}
