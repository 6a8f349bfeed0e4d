package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignalType identifies a message on the signaling channel
type SignalType string

const (
	SignalCallStarted        SignalType = "call-started"
	SignalAccepted           SignalType = "accepted"
	SignalDeclined           SignalType = "declined"
	SignalTimeout            SignalType = "timeout"
	SignalCallEnded          SignalType = "call-ended"
	SignalParticipantLeft    SignalType = "participant-left"
	SignalParticipantUpdated SignalType = "participant-updated"
	// SignalPayload carries opaque transport negotiation data to one peer
	SignalPayload SignalType = "signal"
)

// Control reports whether t is a broadcast control event
func (t SignalType) Control() bool {
	return t != SignalPayload
}

// Terminal reports whether t announces that the sender left the session
func (t SignalType) Terminal() bool {
	switch t {
	case SignalDeclined, SignalTimeout, SignalCallEnded, SignalParticipantLeft:
		return true
	}
	return false
}

// SignalMessage is the envelope exchanged over the signaling channel
type SignalMessage struct {
	ID             uuid.UUID       `json:"id"`
	Type           SignalType      `json:"type"`
	From           uuid.UUID       `json:"from"`
	To             *uuid.UUID      `json:"to,omitempty"`
	SessionID      uuid.UUID       `json:"session_id"`
	ConversationID uuid.UUID       `json:"conversation_id,omitempty"`
	Seq            uint64          `json:"seq"`
	Epoch          uint32          `json:"epoch,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CallStartedData announces a new session to invitees
type CallStartedData struct {
	CallType    CallType    `json:"call_type"`
	InitiatorID uuid.UUID   `json:"initiator_id"`
	Invitees    []uuid.UUID `json:"invitees"`
}

// AcceptedData is the join announcement of a participant.
// InitiateTo lists the participants the sender creates initiator transports toward.
type AcceptedData struct {
	InitiateTo []uuid.UUID `json:"initiate_to"`
	MediaFlags
}

// ParticipantUpdatedData carries absolute media flags
type ParticipantUpdatedData struct {
	MediaFlags
}

// NewControl builds a broadcast control event
func NewControl(t SignalType, from, sessionID, conversationID uuid.UUID, data any) (*SignalMessage, error) {
	msg := &SignalMessage{
		ID:             uuid.New(),
		Type:           t,
		From:           from,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s data: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// NewPayload builds an addressed transport payload
func NewPayload(from, to, sessionID uuid.UUID, epoch uint32, payload []byte) *SignalMessage {
	recipient := to
	return &SignalMessage{
		ID:        uuid.New(),
		Type:      SignalPayload,
		From:      from,
		To:        &recipient,
		SessionID: sessionID,
		Epoch:     epoch,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}

// DecodeData unmarshals the message data into v
func (m *SignalMessage) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", m.Type, err)
	}
	return nil
}

// AddressedTo reports whether the message is for userID
func (m *SignalMessage) AddressedTo(userID uuid.UUID) bool {
	return m.To == nil || *m.To == userID
}
