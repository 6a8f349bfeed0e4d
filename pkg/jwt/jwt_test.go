package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	manager := NewJWTManager("test-secret-key-for-testing-purposes", 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateToken(userID, "alice")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-one", time.Minute).GenerateToken(uuid.New(), "")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-two", time.Minute).ValidateToken(token)
	assert.Error(t, err)
	assert.False(t, IsExpired(err))
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", -time.Minute)
	token, err := manager.GenerateToken(uuid.New(), "")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
	assert.True(t, IsExpired(err))
}

func TestExtractUserID(t *testing.T) {
	userID := uuid.New()
	token, err := NewJWTManager("test-secret", time.Minute).GenerateToken(userID, "")
	require.NoError(t, err)

	got, err := ExtractUserID(token)
	assert.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = ExtractUserID("not-a-token")
	assert.Error(t, err)
}
