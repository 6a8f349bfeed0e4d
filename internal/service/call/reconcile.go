package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
)

// ReconcileResult summarizes a reconciliation pass
type ReconcileResult struct {
	Ended       int `json:"ended"`
	Republished int `json:"republished"`
}

// Reconcile settles sessions left over from a previous run. Sessions still
// live in the store are ended and announced; terminal events that were never
// delivered are published again.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	sessions, records, err := c.store.Unsettled(ctx, c.self)
	if err != nil {
		return result, fmt.Errorf("failed to load unsettled sessions: %w", err)
	}

	for _, session := range sessions {
		if c.lookup(session.ID) != nil || session.Status.Terminal() {
			continue
		}
		ended, err := c.reconcileSession(ctx, session)
		if err != nil {
			c.log.Warn("Failed to reconcile session", logger.SessionID(session.ID), zap.Error(err))
			continue
		}
		if ended {
			result.Ended++
		}
	}

	for _, rec := range records {
		if rec.Delivered || !rec.Event.Terminal() || c.lookup(rec.SessionID) != nil {
			continue
		}
		msg, err := domain.NewControl(rec.Event, c.self, rec.SessionID, rec.ConversationID, nil)
		if err != nil {
			return result, err
		}
		c.publishDirect(msg, rec.ID)
		result.Republished++
	}

	if result.Ended > 0 || result.Republished > 0 {
		c.log.Info("Reconciled unsettled sessions",
			zap.Int("ended", result.Ended),
			zap.Int("republished", result.Republished),
		)
	}
	return result, nil
}

func (c *Coordinator) reconcileSession(ctx context.Context, session *domain.CallSession) (bool, error) {
	now := time.Now().UTC()
	next := *session
	next.Status = domain.CallStatusEnded
	next.EndReason = domain.EndReasonReconciled
	next.EndedAt = &now
	next.Version = session.Version + 1

	if err := c.store.UpdateStatus(ctx, &next, session.Version); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeStaleVersion) {
			return false, nil
		}
		return false, err
	}

	msg, err := domain.NewControl(domain.SignalCallEnded, c.self, session.ID, session.ConversationID, nil)
	if err != nil {
		return false, err
	}
	rec := &domain.SessionLogRecord{
		ID:             uuid.New(),
		SessionID:      session.ID,
		ConversationID: session.ConversationID,
		ParticipantID:  c.self,
		Event:          domain.SignalCallEnded,
		Status:         next.Status,
		Timestamp:      msg.Timestamp,
	}
	recordID := rec.ID
	if err := c.store.AppendLog(ctx, rec); err != nil {
		c.log.Warn("Failed to append reconciliation log", logger.SessionID(session.ID), zap.Error(err))
		recordID = uuid.Nil
	}
	c.publishDirect(msg, recordID)
	c.metrics.RecordCall(string(session.Type), string(next.Status))
	return true, nil
}
