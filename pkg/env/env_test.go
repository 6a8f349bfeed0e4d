package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	t.Setenv("ENV_TEST_INT", "42")
	t.Setenv("ENV_TEST_BAD_INT", "x")
	t.Setenv("ENV_TEST_DURATION", "45s")
	t.Setenv("ENV_TEST_SLICE", "stun:a:3478, ,turn:b:3478")

	assert.Equal(t, 42, GetInt("ENV_TEST_INT", 1))
	assert.Equal(t, 1, GetInt("ENV_TEST_BAD_INT", 1))
	assert.Equal(t, 45*time.Second, GetDuration("ENV_TEST_DURATION", time.Second))
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, GetSlice("ENV_TEST_SLICE", nil))
	assert.Equal(t, "fallback", GetString("ENV_TEST_UNSET", "fallback"))
}

func TestGetStringFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	assert.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	t.Setenv("ENV_TEST_SECRET_FILE", path)

	assert.Equal(t, "s3cret", GetStringFromFile("ENV_TEST_SECRET", ""))
}

func TestGetUUID(t *testing.T) {
	id := uuid.New()
	t.Setenv("ENV_TEST_UUID", id.String())
	t.Setenv("ENV_TEST_BAD_UUID", "nope")

	assert.Equal(t, id, GetUUID("ENV_TEST_UUID"))
	assert.Equal(t, uuid.Nil, GetUUID("ENV_TEST_BAD_UUID"))
}

func TestGetUUIDSlice(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	t.Setenv("ENV_TEST_UUIDS", a.String()+",nope, "+b.String())

	assert.Equal(t, []uuid.UUID{a, b}, GetUUIDSlice("ENV_TEST_UUIDS"))
	assert.Nil(t, GetUUIDSlice("ENV_TEST_UUIDS_UNSET"))
}
