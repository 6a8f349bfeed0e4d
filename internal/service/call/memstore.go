package call

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
)

// MemoryStore is a SessionStore kept in process memory. It is used when no
// database is configured and by tests.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]domain.CallSession
	participants map[uuid.UUID]map[uuid.UUID]domain.Participant
	log          []domain.SessionLogRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[uuid.UUID]domain.CallSession),
		participants: make(map[uuid.UUID]map[uuid.UUID]domain.Participant),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *domain.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return apperrors.StaleVersionError()
	}
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, session *domain.CallSession, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[session.ID]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	if stored.Version != expectedVersion {
		return apperrors.StaleVersionError()
	}
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.participants[p.SessionID]
	if !ok {
		byUser = make(map[uuid.UUID]domain.Participant)
		m.participants[p.SessionID] = byUser
	}
	byUser[p.UserID] = *p
	return nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, rec *domain.SessionLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, *rec)
	return nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, recordID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.log {
		if m.log[i].ID == recordID {
			m.log[i].Delivered = true
			return nil
		}
	}
	return apperrors.NotFoundError("Session log record")
}

func (m *MemoryStore) Unsettled(ctx context.Context, ownerID uuid.UUID) ([]*domain.CallSession, []*domain.SessionLogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*domain.CallSession
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && !s.Status.Terminal() {
			v := copySession(&s)
			sessions = append(sessions, &v)
		}
	}
	var records []*domain.SessionLogRecord
	for _, rec := range m.log {
		if rec.ParticipantID == ownerID && !rec.Delivered && rec.Event.Terminal() {
			r := rec
			records = append(records, &r)
		}
	}
	return sessions, records, nil
}

// Get returns a stored session
func (m *MemoryStore) Get(id uuid.UUID) (*domain.CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	v := copySession(&s)
	return &v, true
}

// Log returns the session log of a session in append order
func (m *MemoryStore) Log(sessionID uuid.UUID) []domain.SessionLogRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SessionLogRecord
	for _, rec := range m.log {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

func copySession(s *domain.CallSession) domain.CallSession {
	v := *s
	v.Invitees = append([]uuid.UUID(nil), s.Invitees...)
	return v
}
