package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func spec(kind Kind, expires time.Duration) TokenSpec {
	return TokenSpec{
		Kind:      kind,
		Subject:   "42",
		SessionID: "sess-1",
		DeviceID:  "dev-1",
		Family:    "fam-1",
		Rotation:  2,
		Nonce:     "nonce-1",
		IssuedAt:  t0,
		ExpiresAt: t0.Add(expires),
	}
}

func TestGenerateAndVerify(t *testing.T) {
	key := newKey(t)
	now := t0.Add(time.Minute)
	gen := NewGenerator(key, "helpdesk", "helpdesk-web", "k1")
	ver := NewVerifier(&key.PublicKey, "helpdesk", "helpdesk-web", func() time.Time { return now })

	tok, err := gen.Generate(spec(KindAccess, 15*time.Minute))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ver.VerifyAccessToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Principal() != "42" || claims.Family != "fam-1" || claims.Rotation != 2 || claims.Nonce() != "nonce-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := ver.VerifyRefreshToken(tok); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("access token accepted as refresh token: %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	key := newKey(t)
	now := t0.Add(time.Hour)
	gen := NewGenerator(key, "helpdesk", "helpdesk-web", "")
	ver := NewVerifier(&key.PublicKey, "helpdesk", "helpdesk-web", func() time.Time { return now })

	tok, err := gen.Generate(spec(KindAccess, 15*time.Minute))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ver.Verify(tok); !errors.Is(err, xerrors.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyWrongKeyOrIssuer(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	now := func() time.Time { return t0 }

	tok, err := NewGenerator(key, "helpdesk", "helpdesk-web", "").Generate(spec(KindAccess, time.Minute))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := NewVerifier(&other.PublicKey, "helpdesk", "helpdesk-web", now).Verify(tok); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("wrong key: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := NewVerifier(&key.PublicKey, "someone-else", "helpdesk-web", now).Verify(tok); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("wrong issuer: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := NewVerifier(&key.PublicKey, "helpdesk", "mobile", now).Verify(tok); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("wrong audience: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := NewVerifier(&key.PublicKey, "helpdesk", "helpdesk-web", now).Verify(tok + "x"); !errors.Is(err, xerrors.ErrInvalidSignature) {
		t.Errorf("tampered token: expected ErrInvalidSignature, got %v", err)
	}
}

func TestGenerateRejectsBadSpec(t *testing.T) {
	gen := NewGenerator(newKey(t), "helpdesk", "helpdesk-web", "")

	s := spec(KindAccess, time.Minute)
	s.Nonce = ""
	if _, err := gen.Generate(s); err == nil {
		t.Error("expected error for empty nonce")
	}

	s = spec(KindAccess, 0)
	if _, err := gen.Generate(s); err == nil {
		t.Error("expected error for non-positive lifetime")
	}
}

func TestLoadAndBuild(t *testing.T) {
	key := newKey(t)
	dir := t.TempDir()

	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadAndBuild(Config{PrivPath: privPath, PubPath: pubPath, Issuer: "helpdesk", Audience: "helpdesk-web", KID: "k1"},
		func() time.Time { return t0 })
	if err != nil {
		t.Fatalf("LoadAndBuild: %v", err)
	}

	tok, err := m.Generator.Generate(spec(KindRefresh, time.Hour))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Verifier.VerifyRefreshToken(tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestParseKeysRejectGarbage(t *testing.T) {
	if _, err := ParseRSAPrivateKeyPEM([]byte("not pem")); err == nil {
		t.Error("expected private key parse error")
	}
	if _, err := ParseRSAPublicKeyPEM([]byte("not pem")); err == nil {
		t.Error("expected public key parse error")
	}
}
