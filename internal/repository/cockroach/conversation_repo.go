package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "secureconnect-calls/pkg/errors"
)

// ConversationRepository reads conversation membership owned by the chat service
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetParticipants lists the members of a conversation
func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get participants: %w", err))
	}
	defer rows.Close()

	var participants []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan participant: %w", err))
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return participants, nil
}

// IsParticipant checks whether userID belongs to the conversation
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, apperrors.DatabaseError(fmt.Errorf("failed to check participant: %w", err))
	}

	return exists, nil
}
