package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
)

// CallRepository persists call sessions, participants and the session log.
// It implements call.SessionStore.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new session record at its initial version
func (r *CallRepository) Create(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			session_id, conversation_id, call_type, status, initiator_id, owner_id,
			invitees, accepted, end_reason, version, created_at, connected_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (owner_id, session_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		session.ID,
		session.ConversationID,
		session.Type,
		session.Status,
		session.InitiatorID,
		session.OwnerID,
		session.Invitees,
		session.Accepted,
		session.EndReason,
		session.Version,
		session.CreatedAt,
		session.ConnectedAt,
		session.EndedAt,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to create call session: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.StaleVersionError()
	}
	return nil
}

// UpdateStatus writes the session if the stored version still equals expectedVersion
func (r *CallRepository) UpdateStatus(ctx context.Context, session *domain.CallSession, expectedVersion int64) error {
	query := `
		UPDATE call_sessions
		SET status = $2,
		    accepted = $3,
		    end_reason = $4,
		    connected_at = $5,
		    ended_at = $6,
		    version = $7
		WHERE session_id = $1 AND version = $8 AND owner_id = $9
	`

	tag, err := r.pool.Exec(ctx, query,
		session.ID,
		session.Status,
		session.Accepted,
		session.EndReason,
		session.ConnectedAt,
		session.EndedAt,
		session.Version,
		expectedVersion,
		session.OwnerID,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to update call status: %w", err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE owner_id = $1 AND session_id = $2)`,
		session.OwnerID, session.ID).Scan(&exists); err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to check call session: %w", err))
	}
	if !exists {
		return apperrors.CallNotFoundError()
	}
	return apperrors.StaleVersionError()
}

// UpsertParticipant stores the latest view of a participant
func (r *CallRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		UPSERT INTO call_participants (
			session_id, user_id, joined_at, left_at, is_muted, is_video_enabled, is_screen_sharing
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		p.SessionID,
		p.UserID,
		p.JoinedAt,
		p.LeftAt,
		p.IsMuted,
		p.IsVideoEnabled,
		p.IsScreenSharing,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to upsert participant: %w", err))
	}
	return nil
}

// AppendLog adds a record to the session log
func (r *CallRepository) AppendLog(ctx context.Context, rec *domain.SessionLogRecord) error {
	query := `
		INSERT INTO call_session_log (
			record_id, session_id, conversation_id, participant_id, event, status, created_at, delivered
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.ConversationID,
		rec.ParticipantID,
		rec.Event,
		rec.Status,
		rec.Timestamp,
		rec.Delivered,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to append session log: %w", err))
	}
	return nil
}

// MarkDelivered flags a log record as published
func (r *CallRepository) MarkDelivered(ctx context.Context, recordID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE call_session_log SET delivered = true WHERE record_id = $1`, recordID)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to mark record delivered: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Session log record")
	}
	return nil
}

// Unsettled returns the non-terminal sessions of ownerID and its undelivered terminal events
func (r *CallRepository) Unsettled(ctx context.Context, ownerID uuid.UUID) ([]*domain.CallSession, []*domain.SessionLogRecord, error) {
	sessions, err := r.openSessions(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	records, err := r.undelivered(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return sessions, records, nil
}

func (r *CallRepository) openSessions(ctx context.Context, ownerID uuid.UUID) ([]*domain.CallSession, error) {
	query := `
		SELECT session_id, conversation_id, call_type, status, initiator_id, owner_id,
		       invitees, accepted, end_reason, version, created_at, connected_at, ended_at
		FROM call_sessions
		WHERE owner_id = $1 AND status NOT IN ($2, $3, $4)
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, ownerID,
		domain.CallStatusEnded, domain.CallStatusDeclined, domain.CallStatusMissed)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to list open sessions: %w", err))
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan call session: %w", err))
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return sessions, nil
}

func (r *CallRepository) undelivered(ctx context.Context, ownerID uuid.UUID) ([]*domain.SessionLogRecord, error) {
	query := `
		SELECT record_id, session_id, conversation_id, participant_id, event, status, created_at, delivered
		FROM call_session_log
		WHERE participant_id = $1 AND delivered = false AND event IN ($2, $3, $4, $5)
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, ownerID,
		domain.SignalDeclined, domain.SignalTimeout, domain.SignalCallEnded, domain.SignalParticipantLeft)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to list undelivered events: %w", err))
	}
	defer rows.Close()

	var records []*domain.SessionLogRecord
	for rows.Next() {
		rec := &domain.SessionLogRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.ConversationID,
			&rec.ParticipantID,
			&rec.Event,
			&rec.Status,
			&rec.Timestamp,
			&rec.Delivered,
		); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan session log: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}

// GetByID retrieves the owner's copy of a session
func (r *CallRepository) GetByID(ctx context.Context, ownerID, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT session_id, conversation_id, call_type, status, initiator_id, owner_id,
		       invitees, accepted, end_reason, version, created_at, connected_at, ended_at
		FROM call_sessions
		WHERE owner_id = $1 AND session_id = $2
	`

	s, err := scanSession(r.pool.QueryRow(ctx, query, ownerID, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call session: %w", err))
	}
	return s, nil
}

// GetParticipants retrieves every participant recorded for a session
func (r *CallRepository) GetParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.Participant, error) {
	query := `
		SELECT session_id, user_id, joined_at, left_at, is_muted, is_video_enabled, is_screen_sharing
		FROM call_participants
		WHERE session_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get participants: %w", err))
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p := &domain.Participant{}
		if err := rows.Scan(
			&p.SessionID,
			&p.UserID,
			&p.JoinedAt,
			&p.LeftAt,
			&p.IsMuted,
			&p.IsVideoEnabled,
			&p.IsScreenSharing,
		); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan participant: %w", err))
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return participants, nil
}

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	err := row.Scan(
		&s.ID,
		&s.ConversationID,
		&s.Type,
		&s.Status,
		&s.InitiatorID,
		&s.OwnerID,
		&s.Invitees,
		&s.Accepted,
		&s.EndReason,
		&s.Version,
		&s.CreatedAt,
		&s.ConnectedAt,
		&s.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
