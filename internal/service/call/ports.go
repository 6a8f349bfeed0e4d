package call

import (
	"context"

	"github.com/google/uuid"

	"secureconnect-calls/internal/domain"
)

// Track is a local media track handed to peer transports
type Track interface {
	ID() string
	Kind() string
}

// LocalStream is the captured audio/video of the local user
type LocalStream interface {
	ID() string
	AudioTrack() Track
	// VideoTrack is nil for audio calls
	VideoTrack() Track
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	// Release stops capture; calling it more than once is harmless
	Release()
}

// MediaSource acquires capture devices
type MediaSource interface {
	Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error)
	// AcquireScreen returns a video track of the local display and a release func
	AcquireScreen(ctx context.Context) (Track, func(), error)
}

// RemoteStream is inbound media from one remote participant
type RemoteStream interface {
	ID() string
}

// PeerTransport is a media connection to exactly one remote participant
type PeerTransport interface {
	RemoteUserID() uuid.UUID
	Role() domain.PeerRole
	State() domain.ConnectionState
	// Start attaches local tracks; the initiator also emits the first offer
	Start(ctx context.Context) error
	// HandleSignal applies an opaque negotiation payload from the remote
	HandleSignal(ctx context.Context, payload []byte) error
	// ReplaceVideoTrack swaps the outgoing video without renegotiation
	ReplaceVideoTrack(track Track) error
	Close() error
}

// TransportCallbacks are invoked by a transport from its own goroutines,
// never synchronously from inside a PeerTransport method.
type TransportCallbacks struct {
	OnLocalSignal  func(payload []byte)
	OnStateChange  func(state domain.ConnectionState)
	OnRemoteStream func(stream RemoteStream)
}

// TransportConfig describes a transport to create
type TransportConfig struct {
	SessionID    uuid.UUID
	LocalUserID  uuid.UUID
	RemoteUserID uuid.UUID
	Role         domain.PeerRole
	// Polite yields on offer collisions
	Polite bool
	Stream LocalStream
	// Video overrides the stream's video track (screen share in progress)
	Video Track
}

// TransportFactory creates peer transports
type TransportFactory interface {
	NewTransport(cfg TransportConfig, cb TransportCallbacks) (PeerTransport, error)
}

// Subscription is a session-scoped view of the signaling channel
type Subscription interface {
	Messages() <-chan *domain.SignalMessage
	// Snapshot returns the participants currently active in the session
	Snapshot(ctx context.Context) ([]domain.Presence, error)
	// Err is non-nil once the channel gave up on the session
	Err() error
	Close() error
}

// SignalingChannel is the message bus between participants
type SignalingChannel interface {
	// Listen delivers invitations addressed to userID
	Listen(ctx context.Context, userID uuid.UUID) (<-chan *domain.SignalMessage, error)
	Join(ctx context.Context, sessionID, userID uuid.UUID) (Subscription, error)
	Publish(ctx context.Context, msg *domain.SignalMessage) error
	// Invite delivers a call-started event to each invitee
	Invite(ctx context.Context, msg *domain.SignalMessage, invitees []uuid.UUID) error
}

// Identity resolves the local user and conversation permissions
type Identity interface {
	UserID() uuid.UUID
	Authorize(ctx context.Context, conversationID uuid.UUID) error
}

// ConversationStore lists conversation members
type ConversationStore interface {
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// SessionStore persists sessions and the append-only session log
type SessionStore interface {
	Create(ctx context.Context, session *domain.CallSession) error
	// UpdateStatus persists session.Status if the stored version equals expectedVersion
	UpdateStatus(ctx context.Context, session *domain.CallSession, expectedVersion int64) error
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	AppendLog(ctx context.Context, rec *domain.SessionLogRecord) error
	MarkDelivered(ctx context.Context, recordID uuid.UUID) error
	// Unsettled returns sessions of ownerID that are non-terminal or whose terminal event is undelivered
	Unsettled(ctx context.Context, ownerID uuid.UUID) ([]*domain.CallSession, []*domain.SessionLogRecord, error)
}
