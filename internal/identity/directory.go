package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// StaticDirectory is a conversation store for agents running without a
// database: every conversation holds the local user and a fixed set of peers.
type StaticDirectory struct {
	members []uuid.UUID
}

// NewStaticDirectory creates a directory of self and peers
func NewStaticDirectory(self uuid.UUID, peers []uuid.UUID) *StaticDirectory {
	members := lo.Uniq(append([]uuid.UUID{self}, peers...))
	return &StaticDirectory{members: lo.Without(members, uuid.Nil)}
}

// GetParticipants lists the members of a conversation
func (d *StaticDirectory) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return append([]uuid.UUID(nil), d.members...), nil
}

// IsParticipant checks whether userID belongs to the conversation
func (d *StaticDirectory) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	return lo.Contains(d.members, userID), nil
}
