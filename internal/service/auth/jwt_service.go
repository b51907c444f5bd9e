// Package auth provides JWT-based authentication for the task ingress API.
// Callers are machine clients identified by a client id; tokens are signed
// with a shared HMAC secret and minted out of band with the tokengen
// command, not by the server itself.
package auth

import (
	"context"
	"time"
)

// JWTService defines operations for managing JWT authentication tokens.
// Version: 1.0
type JWTService interface {
	// GenerateToken creates a signed JWT access token for the given client.
	// Returns the token string or an error if token generation fails.
	GenerateToken(ctx context.Context, clientID string) (string, error)

	// ValidateToken validates the provided token string and extracts the
	// claims. Returns an error if validation fails (expired, invalid
	// signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the claims carried by an ingress token.
type Claims struct {
	// ClientID identifies the machine client the token was issued for.
	ClientID string `json:"cid,omitempty"`

	// Standard registered JWT claims
	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
