// internal/pkg/jwt/verifier.go
package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

type Verifier struct {
	pub      *rsa.PublicKey
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier builds a verifier. now may be nil to use wall time.
func NewVerifier(pub *rsa.PublicKey, issuer, audience string, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		pub:      pub,
		issuer:   issuer,
		audience: audience,
		now:      now,
	}
}

// Verify validates a JWT token and returns the claims. Failures wrap either
// ErrExpired or ErrInvalidSignature.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if v.pub == nil {
		return nil, fmt.Errorf("jwt verifier has nil public key")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", xerrors.ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", xerrors.ErrInvalidSignature)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: invalid issuer %q", xerrors.ErrInvalidSignature, claims.Issuer)
	}

	if !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: invalid audience", xerrors.ErrInvalidSignature)
	}

	return claims, nil
}

// VerifyKind verifies the token and that it was minted for kind.
func (v *Verifier) VerifyKind(tokenString string, kind Kind) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: token is not a %s token", xerrors.ErrInvalidSignature, kind)
	}
	if claims.Family == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: token is missing family or nonce", xerrors.ErrInvalidSignature)
	}

	return claims, nil
}

// VerifyAccessToken verifies that the token is for access purposes
func (v *Verifier) VerifyAccessToken(tokenString string) (*Claims, error) {
	return v.VerifyKind(tokenString, KindAccess)
}

// VerifyRefreshToken verifies that the token is for refresh purposes
func (v *Verifier) VerifyRefreshToken(tokenString string) (*Claims, error) {
	return v.VerifyKind(tokenString, KindRefresh)
}
