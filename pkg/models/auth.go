package models

import "time"

// AccessToken grants access to the session control API
type AccessToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IssuedTo  string    `json:"issuedTo,omitempty"` // client IP that requested it
}

// TokenRequest is the body of POST /api/v1/tokens
type TokenRequest struct {
	ExpiresIn int `json:"expiresIn"` // seconds, 0 uses the default
}
