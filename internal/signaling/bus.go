package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
)

var (
	// ErrUnavailable is returned while the bus is marked unreachable
	ErrUnavailable = errors.New("signaling bus unavailable")
	// ErrDisconnected is reported by subscriptions of a disconnected user
	ErrDisconnected = errors.New("signaling connection lost")
	// ErrClosed is returned by operations on a closed subscription
	ErrClosed = errors.New("subscription closed")
	// ErrNotJoined rejects a non-terminal event from a user outside the session
	ErrNotJoined = errors.New("not joined to session")
)

// Bus is an in-process signaling channel shared by several coordinators.
// It follows the relay hub's rules: per-recipient delivery in publish order,
// no echo to the sender and a roster maintained from control events. Only
// members may publish, except terminal events. A user's last subscription
// leaving a session removes them from the roster and announces participant-left.
type Bus struct {
	roster *Roster

	mu        sync.Mutex
	listeners map[uuid.UUID]map[*mailbox]struct{}
	sessions  map[uuid.UUID]map[*busSubscription]struct{}
	available bool
}

// NewBus creates an available bus
func NewBus() *Bus {
	return &Bus{
		roster:    NewRoster(),
		listeners: make(map[uuid.UUID]map[*mailbox]struct{}),
		sessions:  make(map[uuid.UUID]map[*busSubscription]struct{}),
		available: true,
	}
}

// SetAvailable toggles whether operations succeed
func (b *Bus) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()
}

func (b *Bus) Listen(ctx context.Context, userID uuid.UUID) (<-chan *domain.SignalMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, ErrUnavailable
	}
	box := newMailbox()
	if b.listeners[userID] == nil {
		b.listeners[userID] = make(map[*mailbox]struct{})
	}
	b.listeners[userID][box] = struct{}{}

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.listeners[userID], box)
		b.mu.Unlock()
		box.close()
	})
	return box.out, nil
}

func (b *Bus) Join(ctx context.Context, sessionID, userID uuid.UUID) (call.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, ErrUnavailable
	}
	sub := &busSubscription{bus: b, sessionID: sessionID, userID: userID, box: newMailbox()}
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[*busSubscription]struct{})
	}
	b.sessions[sessionID][sub] = struct{}{}
	return sub, nil
}

func (b *Bus) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrUnavailable
	}
	if !msg.Type.Terminal() && !b.memberLocked(msg.SessionID, msg.From) {
		return ErrNotJoined
	}
	b.publishLocked(msg)
	return nil
}

func (b *Bus) memberLocked(sessionID, userID uuid.UUID) bool {
	for sub := range b.sessions[sessionID] {
		if sub.userID == userID {
			return true
		}
	}
	return false
}

func (b *Bus) publishLocked(msg *domain.SignalMessage) {
	if msg.Type.Control() {
		_ = b.roster.Apply(context.Background(), msg.SessionID, ChangeFor(msg))
	}
	for sub := range b.sessions[msg.SessionID] {
		if sub.userID == msg.From || !msg.AddressedTo(sub.userID) {
			continue
		}
		copied := *msg
		sub.box.put(&copied)
	}
}

func (b *Bus) Invite(ctx context.Context, msg *domain.SignalMessage, invitees []uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrUnavailable
	}
	_ = b.roster.Apply(ctx, msg.SessionID, ChangeFor(msg))
	for _, invitee := range invitees {
		for box := range b.listeners[invitee] {
			copied := *msg
			box.put(&copied)
		}
	}
	return nil
}

// Disconnect drops every subscription of userID as an abrupt connection loss
// would, announcing participant-left to the remaining members of each session.
func (b *Bus) Disconnect(userID uuid.UUID) {
	b.mu.Lock()
	var dropped []*busSubscription
	for sessionID, subs := range b.sessions {
		member := false
		for sub := range subs {
			if sub.userID != userID {
				continue
			}
			delete(subs, sub)
			dropped = append(dropped, sub)
			member = true
		}
		if member {
			b.departLocked(sessionID, userID)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.fail(ErrDisconnected)
	}
}

// departLocked removes userID from the roster once none of its subscriptions
// remain in the session. b.mu must be held.
func (b *Bus) departLocked(sessionID, userID uuid.UUID) {
	if b.memberLocked(sessionID, userID) {
		return
	}
	if removed, _ := b.roster.Remove(context.Background(), sessionID, userID); removed {
		b.publishLocked(&domain.SignalMessage{
			ID:        uuid.New(),
			Type:      domain.SignalParticipantLeft,
			From:      userID,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
		})
	}
	if len(b.sessions[sessionID]) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Roster returns the current roster of a session
func (b *Bus) Roster(sessionID uuid.UUID) []domain.Presence {
	roster, _ := b.roster.Snapshot(context.Background(), sessionID)
	return roster
}

func (b *Bus) leave(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sub.sessionID]
	if !ok {
		return
	}
	if _, joined := subs[sub]; !joined {
		return
	}
	delete(subs, sub)
	b.departLocked(sub.sessionID, sub.userID)
}

type busSubscription struct {
	bus       *Bus
	sessionID uuid.UUID
	userID    uuid.UUID
	box       *mailbox

	mu  sync.Mutex
	err error
}

func (s *busSubscription) Messages() <-chan *domain.SignalMessage {
	return s.box.out
}

func (s *busSubscription) Snapshot(ctx context.Context) ([]domain.Presence, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	s.bus.mu.Lock()
	available := s.bus.available
	s.bus.mu.Unlock()
	if !available {
		return nil, ErrUnavailable
	}
	return s.bus.roster.Snapshot(ctx, s.sessionID)
}

func (s *busSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *busSubscription) Close() error {
	s.bus.leave(s)
	s.box.close()
	return nil
}

func (s *busSubscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.box.close()
}
