package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/signaling"
)

// rosterTTL bounds how long an abandoned session roster survives
const rosterTTL = 24 * time.Hour

// RosterRepository keeps session rosters in Redis hashes shared by all hub instances
type RosterRepository struct {
	client *database.RedisClient
}

// NewRosterRepository creates a new RosterRepository
func NewRosterRepository(client *database.RedisClient) *RosterRepository {
	return &RosterRepository{client: client}
}

func rosterKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("call:%s:roster", sessionID)
}

// Apply records the roster effect of one control event
func (r *RosterRepository) Apply(ctx context.Context, sessionID uuid.UUID, change signaling.RosterChange) error {
	key := rosterKey(sessionID)
	field := change.Presence.UserID.String()

	switch change.Kind {
	case signaling.ChangeAdd:
		presence := change.Presence
		existing, err := r.get(ctx, key, field)
		if err != nil {
			return err
		}
		if existing != nil {
			presence.JoinedAt = existing.JoinedAt
		}
		if err := r.put(ctx, key, field, presence); err != nil {
			return err
		}
		if err := r.client.SafeExpire(ctx, key, rosterTTL).Err(); err != nil {
			return fmt.Errorf("failed to set roster ttl: %w", err)
		}
	case signaling.ChangeUpdate:
		existing, err := r.get(ctx, key, field)
		if err != nil || existing == nil {
			return err
		}
		existing.MediaFlags = change.Presence.MediaFlags
		return r.put(ctx, key, field, *existing)
	case signaling.ChangeRemove:
		_, err := r.Remove(ctx, sessionID, change.Presence.UserID)
		return err
	}
	return nil
}

// Remove deletes userID from the session roster and reports whether it was present
func (r *RosterRepository) Remove(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	n, err := r.client.SafeHDel(ctx, rosterKey(sessionID), userID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove roster entry: %w", err)
	}
	return n > 0, nil
}

// Snapshot returns the roster ordered by join time
func (r *RosterRepository) Snapshot(ctx context.Context, sessionID uuid.UUID) ([]domain.Presence, error) {
	entries, err := r.client.SafeHGetAll(ctx, rosterKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	roster := make([]domain.Presence, 0, len(entries))
	for _, raw := range entries {
		var p domain.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue // Skip corrupt entries
		}
		roster = append(roster, p)
	}
	return signaling.SortPresence(roster), nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RosterRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}

func (r *RosterRepository) get(ctx context.Context, key, field string) (*domain.Presence, error) {
	raw, err := r.client.SafeHGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read roster entry: %w", err)
	}
	var p domain.Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode roster entry: %w", err)
	}
	return &p, nil
}

func (r *RosterRepository) put(ctx context.Context, key, field string, p domain.Presence) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode roster entry: %w", err)
	}
	if err := r.client.SafeHSet(ctx, key, field, raw).Err(); err != nil {
		return fmt.Errorf("failed to write roster entry: %w", err)
	}
	return nil
}
