package bootstraptoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateThenValidateSucceeds(t *testing.T) {
	m := NewManager()
	tok, err := m.Generate("worker", time.Hour)
	require.NoError(t, err)

	role, err := m.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "worker", role)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	m := NewManager()
	_, err := m.Validate("does-not-exist")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager()
	tok, err := m.Generate("worker", -time.Second)
	require.NoError(t, err)

	_, err = m.Validate(tok.Value)
	assert.Error(t, err)
}

func TestRevokeRemovesToken(t *testing.T) {
	m := NewManager()
	tok, err := m.Generate("worker", time.Hour)
	require.NoError(t, err)

	m.Revoke(tok.Value)
	_, err = m.Validate(tok.Value)
	assert.Error(t, err)
}

func TestCleanupExpiredDropsOnlyExpired(t *testing.T) {
	m := NewManager()
	live, err := m.Generate("worker", time.Hour)
	require.NoError(t, err)
	expired, err := m.Generate("worker", -time.Second)
	require.NoError(t, err)

	m.CleanupExpired()

	_, err = m.Validate(live.Value)
	assert.NoError(t, err)
	_, err = m.Validate(expired.Value)
	assert.Error(t, err)
}
