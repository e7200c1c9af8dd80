// internal/pkg/jwt/generator.go
package jwt

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSpec describes one token to mint. Nonce becomes the jti.
type TokenSpec struct {
	Kind      Kind
	Subject   string
	SessionID string
	DeviceID  string
	Family    string
	Rotation  int
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Generator struct {
	priv     *rsa.PrivateKey
	issuer   string
	audience string
	kid      string // key id for rotation
}

func NewGenerator(priv *rsa.PrivateKey, issuer, audience, kid string) *Generator {
	return &Generator{
		priv:     priv,
		issuer:   issuer,
		audience: audience,
		kid:      kid,
	}
}

// Generate signs the token described by spec with RS256.
func (g *Generator) Generate(spec TokenSpec) (string, error) {
	if g.priv == nil {
		return "", fmt.Errorf("jwt generator has nil private key")
	}
	if spec.Nonce == "" {
		return "", fmt.Errorf("jwt generator requires a nonce")
	}
	if !spec.ExpiresAt.After(spec.IssuedAt) {
		return "", fmt.Errorf("token expiry %s is not after issue time %s", spec.ExpiresAt, spec.IssuedAt)
	}

	claims := &Claims{
		Kind:      spec.Kind,
		SessionID: spec.SessionID,
		DeviceID:  spec.DeviceID,
		Family:    spec.Family,
		Rotation:  spec.Rotation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   spec.Subject,
			Audience:  []string{g.audience},
			ExpiresAt: jwt.NewNumericDate(spec.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(spec.IssuedAt),
			NotBefore: jwt.NewNumericDate(spec.IssuedAt),
			ID:        spec.Nonce,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if g.kid != "" {
		tok.Header["kid"] = g.kid
	}

	return tok.SignedString(g.priv)
}
