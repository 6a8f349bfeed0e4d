package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
)

func TestReconcile_SettlesLeftovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, testConfig())
	self := uuid.New()
	remote := uuid.New()
	store := call.NewMemoryStore()

	stale := &domain.CallSession{
		ID:             uuid.New(),
		ConversationID: h.conversationID,
		Type:           domain.CallTypeVideo,
		Status:         domain.CallStatusConnected,
		InitiatorID:    self,
		OwnerID:        self,
		Version:        3,
		CreatedAt:      time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, store.Create(ctx, stale))

	finishedID := uuid.New()
	undelivered := &domain.SessionLogRecord{
		ID:             uuid.New(),
		SessionID:      finishedID,
		ConversationID: h.conversationID,
		ParticipantID:  self,
		Event:          domain.SignalDeclined,
		Status:         domain.CallStatusDeclined,
		Timestamp:      time.Now().Add(-time.Minute).UTC(),
	}
	require.NoError(t, store.AppendLog(ctx, undelivered))

	staleSub, err := h.bus.Join(ctx, stale.ID, remote)
	require.NoError(t, err)
	defer staleSub.Close()
	finishedSub, err := h.bus.Join(ctx, finishedID, remote)
	require.NoError(t, err)
	defer finishedSub.Close()

	p := h.newParticipant(t, self, testConfig(), store)
	result, err := p.coord.Reconcile(ctx)

	require.NoError(t, err)
	assert.Equal(t, call.ReconcileResult{Ended: 1, Republished: 1}, result)

	settled, ok := store.Get(stale.ID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusEnded, settled.Status)
	assert.Equal(t, domain.EndReasonReconciled, settled.EndReason)
	assert.Equal(t, int64(4), settled.Version)

	select {
	case msg := <-staleSub.Messages():
		assert.Equal(t, domain.SignalCallEnded, msg.Type)
		assert.Equal(t, self, msg.From)
	case <-time.After(waitFor):
		t.Fatal("call-ended was not published for the stale session")
	}
	select {
	case msg := <-finishedSub.Messages():
		assert.Equal(t, domain.SignalDeclined, msg.Type)
	case <-time.After(waitFor):
		t.Fatal("undelivered declined was not republished")
	}

	require.Eventually(t, func() bool {
		for _, rec := range store.Log(finishedID) {
			if rec.ID == undelivered.ID {
				return rec.Delivered
			}
		}
		return false
	}, waitFor, tick)

	// A second pass finds nothing left
	require.Eventually(t, func() bool {
		again, err := p.coord.Reconcile(ctx)
		return err == nil && again == call.ReconcileResult{}
	}, waitFor, tick)
}
