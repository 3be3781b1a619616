// Package bootstraptoken gates the first unauthenticated contact a worker
// makes with the coordinator. Challenge validation alone proves the
// requester controls the address it claims, not that an operator ever
// admitted it to the cluster; a bootstrap token, generated out-of-band and
// checked before the challenge dance even starts, closes that hole.
// Tokens live only in memory, so a coordinator restart invalidates any
// outstanding ones.
package bootstraptoken

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nodeforge/fabric/internal/errkind"
)

// Token is one issued bootstrap token.
type Token struct {
	Value     string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager issues and validates bootstrap tokens, one per coordinator
// process.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]*Token)}
}

// Generate mints a new random 32-byte hex token tagged with role, valid
// for ttl.
func (m *Manager) Generate(role string, ttl time.Duration) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, errkind.Wrap(errkind.InvariantViolation, "generate bootstrap token", err)
	}
	tok := &Token{
		Value:     hex.EncodeToString(raw),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	m.mu.Lock()
	m.tokens[tok.Value] = tok
	m.mu.Unlock()
	return tok, nil
}

// Validate checks that value is a live, unexpired token and returns its
// role tag.
func (m *Manager) Validate(value string) (role string, err error) {
	m.mu.RLock()
	tok, ok := m.tokens[value]
	m.mu.RUnlock()
	if !ok {
		return "", errkind.New(errkind.AuthFailed, "unknown bootstrap token")
	}
	if time.Now().After(tok.ExpiresAt) {
		return "", errkind.New(errkind.AuthFailed, "bootstrap token expired")
	}
	return tok.Role, nil
}

// Revoke removes a token immediately.
func (m *Manager) Revoke(value string) {
	m.mu.Lock()
	delete(m.tokens, value)
	m.mu.Unlock()
}

// CleanupExpired drops every token past its expiry, bounding memory for a
// long-lived coordinator process.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for v, tok := range m.tokens {
		if now.After(tok.ExpiresAt) {
			delete(m.tokens, v)
		}
	}
}
