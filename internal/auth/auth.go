// Package auth guards the session control API. When an admin key is
// configured, mutating requests need either that key or a short-lived token
// issued with it.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"camrelay/pkg/models"
)

var (
	// ErrInvalidToken is returned for unknown or expired tokens
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrAdminRequired is returned when a non-admin token is used where only
	// the admin key is accepted
	ErrAdminRequired = errors.New("admin key required")
)

// Manager handles authentication and authorization
type Manager struct {
	tokens map[string]*models.AccessToken // token -> AccessToken
	mu     sync.RWMutex

	// Config
	adminKey          string
	defaultExpiration time.Duration
	maxExpiration     time.Duration
	now               func() time.Time
}

// New creates a new auth manager. An empty adminKey disables authentication.
func New(adminKey string, defaultExpiration, maxExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = 1 * time.Hour
	}
	if maxExpiration < defaultExpiration {
		maxExpiration = defaultExpiration
	}
	return &Manager{
		tokens:            make(map[string]*models.AccessToken),
		adminKey:          adminKey,
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		now:               time.Now,
	}
}

// Enabled reports whether requests must be authenticated
func (m *Manager) Enabled() bool {
	return m.adminKey != ""
}

// GenerateToken creates a new access token
func (m *Manager) GenerateToken(expiresIn int, clientIP string) (*models.AccessToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	// Calculate expiration
	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}

	// Cap at max expiration
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.AccessToken{
		Token:     hex.EncodeToString(tokenBytes),
		CreatedAt: now,
		ExpiresAt: now.Add(expiration),
		IssuedTo:  clientIP,
	}

	m.mu.Lock()
	m.cleanupExpiredLocked(now)
	m.tokens[token.Token] = token
	m.mu.Unlock()

	return token, nil
}

// Authorize checks a presented credential. It reports whether the credential
// is the admin key.
func (m *Manager) Authorize(credential string) (admin bool, err error) {
	if !m.Enabled() {
		return true, nil
	}
	if credential == "" {
		return false, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(m.adminKey)) == 1 {
		return true, nil
	}

	m.mu.RLock()
	token, exists := m.tokens[credential]
	m.mu.RUnlock()

	if !exists || m.now().After(token.ExpiresAt) {
		return false, ErrInvalidToken
	}
	return false, nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes all expired tokens
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupExpiredLocked(m.now())
}

func (m *Manager) cleanupExpiredLocked(now time.Time) {
	for tokenString, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, tokenString)
		}
	}
}

// GetTokenCount returns the number of live tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
