// internal/pkg/jwt/claims.go
package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Kind separates short lived access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims represents the JWT claims. Subject carries the principal and ID the
// per-rotation nonce.
type Claims struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
	Family    string `json:"fam"`
	Rotation  int    `json:"rot"`
	jwt.RegisteredClaims
}

// Principal returns the authenticated identity.
func (c *Claims) Principal() string {
	return c.Subject
}

// Nonce returns the token's unique nonce.
func (c *Claims) Nonce() string {
	return c.ID
}

// VerifyAudience checks if the expected audience is listed in the claims.
func (c *Claims) VerifyAudience(audience string, required bool) bool {
	if len(c.Audience) == 0 {
		return !required
	}

	for _, aud := range c.Audience {
		if aud == audience {
			return true
		}
	}

	return false
}
