package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/response"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	// IsTokenRevoked checks if a JWT token has been revoked/blacklisted
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware validates the bearer token and sets user_id and username in the Gin context.
// Websocket clients that cannot set headers may pass the token in the "token" query parameter.
// revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.FromError(c, apperrors.UnauthorizedError("Authorization header required"))
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			if jwt.IsExpired(err) {
				response.FromError(c, apperrors.ExpiredTokenError())
			} else {
				response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			}
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// Fail-open: signature and expiry already passed
				logger.Warn("Token revocation check failed", zap.Error(err))
			} else if revoked {
				response.FromError(c, apperrors.UnauthorizedError("Token revoked"))
				c.Abort()
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
