package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media kind negotiated for a session
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the local lifecycle state of a session
type CallStatus string

const (
	CallStatusCalling   CallStatus = "calling"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
)

// Terminal reports whether no further transition is possible
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusDeclined || s == CallStatusMissed
}

// transitions is the forward-only status graph
var transitions = map[CallStatus][]CallStatus{
	CallStatusCalling:   {CallStatusConnected, CallStatusDeclined, CallStatusMissed, CallStatusEnded},
	CallStatusRinging:   {CallStatusConnected, CallStatusDeclined, CallStatusMissed, CallStatusEnded},
	CallStatusConnected: {CallStatusEnded},
}

// CanTransition reports whether from -> to is an edge of the status graph
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason records why a session reached a terminal status
type EndReason string

const (
	EndReasonLocalEnd             EndReason = "local_end"
	EndReasonRemoteEnd            EndReason = "remote_end"
	EndReasonDeclined             EndReason = "declined"
	EndReasonTimeout              EndReason = "timeout"
	EndReasonSignalingUnreachable EndReason = "signaling_unreachable"
	EndReasonMediaUnavailable     EndReason = "media_unavailable"
	EndReasonAllPeersGone         EndReason = "all_peers_gone"
	EndReasonReconciled           EndReason = "reconciled"
)

// CallSession is one call attempt inside a conversation
type CallSession struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Type           CallType    `json:"type"`
	Status         CallStatus  `json:"status"`
	InitiatorID    uuid.UUID   `json:"initiator_id"`
	OwnerID        uuid.UUID   `json:"owner_id"`
	Invitees       []uuid.UUID `json:"invitees,omitempty"`
	Accepted       bool        `json:"accepted"`
	EndReason      EndReason   `json:"end_reason,omitempty"`
	Version        int64       `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	ConnectedAt    *time.Time  `json:"connected_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
}

// Duration returns the connected duration of a finished session
func (s *CallSession) Duration() time.Duration {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.ConnectedAt)
}

// MediaFlags are the absolute media state a participant advertises
type MediaFlags struct {
	IsMuted         bool `json:"is_muted"`
	IsVideoEnabled  bool `json:"is_video_enabled"`
	IsScreenSharing bool `json:"is_screen_sharing"`
}

// DefaultMediaFlags is the state a participant joins with
func DefaultMediaFlags() MediaFlags {
	return MediaFlags{IsMuted: false, IsVideoEnabled: true, IsScreenSharing: false}
}

// Participant is one user's membership in a session
type Participant struct {
	SessionID uuid.UUID  `json:"session_id"`
	UserID    uuid.UUID  `json:"user_id"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
	MediaFlags
	// FlagsSeq is the sender sequence of the last applied flag update
	FlagsSeq uint64 `json:"-"`
}

// Active reports whether the participant is still in the session
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// PeerRole is the negotiation side of a peer transport
type PeerRole string

const (
	PeerRoleInitiator PeerRole = "initiator"
	PeerRoleResponder PeerRole = "responder"
)

// ConnectionState is the lifecycle of a peer transport
type ConnectionState string

const (
	ConnectionStateNew        ConnectionState = "new"
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateConnected  ConnectionState = "connected"
	ConnectionStateFailed     ConnectionState = "failed"
	ConnectionStateClosed     ConnectionState = "closed"
)

// Presence is a roster entry returned by signaling snapshots
type Presence struct {
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	MediaFlags
}

// SessionLogRecord is one append-only entry of the persistent session log
type SessionLogRecord struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      uuid.UUID  `json:"session_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	ParticipantID  uuid.UUID  `json:"participant_id"`
	Event          SignalType `json:"event"`
	Status         CallStatus `json:"status"`
	Timestamp      time.Time  `json:"timestamp"`
	Delivered      bool       `json:"delivered"`
}
