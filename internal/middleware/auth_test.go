package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/response"
)

const testSecret = "test-secret-key-at-least-32-chars!!"

type staticRevocation struct {
	revoked bool
}

func (s staticRevocation) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.revoked, nil
}

func authRouter(revocation RevocationChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(jwt.NewJWTManager(testSecret, time.Hour), revocation), func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"user_id": c.MustGet("user_id")})
	})
	return r
}

func authRequest(r http.Handler, header string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestAuthMiddleware(t *testing.T) {
	userID := uuid.New()
	valid, err := jwt.NewJWTManager(testSecret, time.Hour).GenerateToken(userID, "")
	require.NoError(t, err)
	expired, err := jwt.NewJWTManager(testSecret, -time.Minute).GenerateToken(userID, "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		revocation RevocationChecker
		status     int
		code       string
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "malformed header", header: "Token " + valid, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "bad signature", header: "Bearer " + valid + "x", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, code: "EXPIRED_TOKEN"},
		{name: "revoked", header: "Bearer " + valid, revocation: staticRevocation{revoked: true}, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := authRequest(authRouter(tt.revocation), tt.header)

			assert.Equal(t, tt.status, w.Code)
			if tt.code == "" {
				assert.True(t, resp.Success)
				assert.Equal(t, map[string]any{"user_id": userID.String()}, resp.Data)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	token, err := jwt.NewJWTManager(testSecret, time.Hour).GenerateToken(uuid.New(), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	w := httptest.NewRecorder()
	authRouter(nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
