// Package signaling implements the message bus between call participants:
// an in-process Bus, a websocket Client for the relay hub and the roster
// both of them maintain.
package signaling

import (
	"github.com/google/uuid"

	"secureconnect-calls/internal/domain"
)

// Op is the operation of a hub frame
type Op string

const (
	// client -> hub
	OpJoin     Op = "join"
	OpLeave    Op = "leave"
	OpPublish  Op = "publish"
	OpInvite   Op = "invite"
	OpSnapshot Op = "snapshot"

	// hub -> client
	OpMessage Op = "message"
	OpAck     Op = "ack"
	OpError   Op = "error"
)

// Frame is the unit exchanged with the relay hub over a websocket.
// Requests carry a RequestID echoed by the matching ack, error or snapshot reply.
type Frame struct {
	Op        Op                    `json:"op"`
	RequestID string                `json:"request_id,omitempty"`
	SessionID uuid.UUID             `json:"session_id,omitempty"`
	Invitees  []uuid.UUID           `json:"invitees,omitempty"`
	Message   *domain.SignalMessage `json:"message,omitempty"`
	Roster    []domain.Presence     `json:"roster,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Reply builds the response frame for a request
func (f *Frame) Reply(op Op) *Frame {
	return &Frame{Op: op, RequestID: f.RequestID, SessionID: f.SessionID}
}

// ErrorReply builds an error response for a request
func (f *Frame) ErrorReply(err error) *Frame {
	reply := f.Reply(OpError)
	reply.Error = err.Error()
	return reply
}
