// Package identity resolves the local user of a call agent and checks that
// the user may place calls in a conversation.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"secureconnect-calls/pkg/cache"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/logger"
)

// MembershipChecker reports whether a user belongs to a conversation
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Provider implements call.Identity
type Provider struct {
	userID  uuid.UUID
	members MembershipChecker
	cache   *cache.MemoryCache
	ttl     time.Duration
}

// New creates a provider for userID. A nil cache disables membership caching.
func New(userID uuid.UUID, members MembershipChecker, c *cache.MemoryCache, ttl time.Duration) *Provider {
	return &Provider{
		userID:  userID,
		members: members,
		cache:   c,
		ttl:     ttl,
	}
}

// UserFromToken resolves the local user from a signed access token
func UserFromToken(mgr *jwt.JWTManager, token string) (uuid.UUID, error) {
	claims, err := mgr.ValidateToken(token)
	if err != nil {
		return uuid.Nil, apperrors.InvalidTokenError(err.Error())
	}
	return claims.UserID, nil
}

// UserID returns the local user
func (p *Provider) UserID() uuid.UUID {
	return p.userID
}

// Authorize fails with FORBIDDEN unless the local user is a member of the conversation.
// Only positive answers are cached so a user added to a conversation is never held back.
func (p *Provider) Authorize(ctx context.Context, conversationID uuid.UUID) error {
	if conversationID == uuid.Nil {
		return apperrors.ValidationError("conversation_id is required")
	}

	key := membershipKey(conversationID, p.userID)
	if p.cache != nil {
		if _, ok := p.cache.Get(key); ok {
			return nil
		}
	}

	ok, err := p.members.IsParticipant(ctx, conversationID, p.userID)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("Call refused for non-member",
			logger.UserID(p.userID),
			logger.ConversationID(conversationID))
		return apperrors.ForbiddenError("User is not a member of this conversation")
	}

	if p.cache != nil {
		p.cache.Set(key, true, p.ttl)
	}
	return nil
}

func membershipKey(conversationID, userID uuid.UUID) string {
	return fmt.Sprintf("membership:%s:%s", conversationID, userID)
}
