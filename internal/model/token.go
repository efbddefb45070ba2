package model

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	// TokenTypeAccess authorizes API requests.
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh may only be exchanged for a new token pair.
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the JWT claims issued by the token service.
type Claims struct {
	jwt.RegisteredClaims

	Roles []string  `json:"roles,omitempty"`
	Type  TokenType `json:"typ"`

	// KeyID is copied from the verified token header.
	KeyID string `json:"-"`
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// IssuedAtTime returns iat, or the zero time when absent.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}

	return c.IssuedAt.Time
}

// ExpiresAtTime returns exp, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}

	return c.ExpiresAt.Time
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RefreshTokenRecord tracks an issued refresh token for rotation and revocation.
type RefreshTokenRecord struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
