package signaling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"secureconnect-calls/internal/domain"
)

// ChangeKind is the effect of a control event on a session roster
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeAdd
	ChangeUpdate
	ChangeRemove
)

// RosterChange is the roster effect derived from one control event
type RosterChange struct {
	Kind     ChangeKind
	Presence domain.Presence
}

// ChangeFor derives the roster effect of msg. The initiator enters the roster
// with call-started, everyone else with accepted; terminal events remove the sender.
func ChangeFor(msg *domain.SignalMessage) RosterChange {
	presence := domain.Presence{UserID: msg.From, JoinedAt: msg.Timestamp, MediaFlags: domain.DefaultMediaFlags()}
	switch msg.Type {
	case domain.SignalCallStarted:
		return RosterChange{Kind: ChangeAdd, Presence: presence}
	case domain.SignalAccepted:
		var data domain.AcceptedData
		if err := msg.DecodeData(&data); err == nil {
			presence.MediaFlags = data.MediaFlags
		}
		return RosterChange{Kind: ChangeAdd, Presence: presence}
	case domain.SignalParticipantUpdated:
		var data domain.ParticipantUpdatedData
		if err := msg.DecodeData(&data); err != nil {
			return RosterChange{}
		}
		presence.MediaFlags = data.MediaFlags
		return RosterChange{Kind: ChangeUpdate, Presence: presence}
	}
	if msg.Type.Terminal() {
		return RosterChange{Kind: ChangeRemove, Presence: presence}
	}
	return RosterChange{}
}

// RosterStore holds the active participants of every session
type RosterStore interface {
	Apply(ctx context.Context, sessionID uuid.UUID, change RosterChange) error
	Remove(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
	Snapshot(ctx context.Context, sessionID uuid.UUID) ([]domain.Presence, error)
}

// Roster is an in-memory RosterStore
type Roster struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]domain.Presence
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{sessions: make(map[uuid.UUID]map[uuid.UUID]domain.Presence)}
}

func (r *Roster) Apply(ctx context.Context, sessionID uuid.UUID, change RosterChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.sessions[sessionID]
	user := change.Presence.UserID
	switch change.Kind {
	case ChangeAdd:
		if members == nil {
			members = make(map[uuid.UUID]domain.Presence)
			r.sessions[sessionID] = members
		}
		if existing, ok := members[user]; ok {
			change.Presence.JoinedAt = existing.JoinedAt
		}
		members[user] = change.Presence
	case ChangeUpdate:
		if existing, ok := members[user]; ok {
			existing.MediaFlags = change.Presence.MediaFlags
			members[user] = existing
		}
	case ChangeRemove:
		r.removeLocked(sessionID, user)
	}
	return nil
}

func (r *Roster) Remove(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, userID), nil
}

func (r *Roster) removeLocked(sessionID, userID uuid.UUID) bool {
	members, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
	return true
}

func (r *Roster) Snapshot(ctx context.Context, sessionID uuid.UUID) ([]domain.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SortPresence(lo.Values(r.sessions[sessionID])), nil
}

// SortPresence orders a roster by join time, then user id
func SortPresence(roster []domain.Presence) []domain.Presence {
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserID.String() < roster[j].UserID.String()
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}
