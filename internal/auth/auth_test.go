package auth

import (
	"errors"
	"testing"
	"time"
)

func TestDisabledAllowsEverything(t *testing.T) {
	m := New("", 0, 0)
	if m.Enabled() {
		t.Fatal("Expected auth to be disabled without an admin key")
	}
	if admin, err := m.Authorize(""); err != nil || !admin {
		t.Errorf("Expected open access, got %v %v", admin, err)
	}
}

func TestAuthorize(t *testing.T) {
	m := New("s3cret", time.Minute, time.Hour)

	if admin, err := m.Authorize("s3cret"); err != nil || !admin {
		t.Errorf("Admin key rejected: %v %v", admin, err)
	}
	if _, err := m.Authorize("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	token, err := m.GenerateToken(0, "10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	if admin, err := m.Authorize(token.Token); err != nil || admin {
		t.Errorf("Issued token should be valid and non-admin: %v %v", admin, err)
	}

	m.RevokeToken(token.Token)
	if _, err := m.Authorize(token.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Revoked token should be rejected, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	m := New("s3cret", time.Minute, 10*time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.GenerateToken(3600, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := token.ExpiresAt.Sub(token.CreatedAt); got != 10*time.Minute {
		t.Errorf("Expiration should be capped at 10m, got %v", got)
	}

	now = now.Add(11 * time.Minute)
	if _, err := m.Authorize(token.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expired token should be rejected, got %v", err)
	}
	m.CleanupExpiredTokens()
	if m.GetTokenCount() != 0 {
		t.Error("Expired token should be cleaned up")
	}
}
