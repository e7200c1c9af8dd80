// Package token issues, rotates, validates and revokes access/refresh token
// pairs grouped in rotation families, and derives the CSRF token bound to
// each family's current rotation.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Secret seeds the CSRF key.
	Secret []byte
}

func (c Config) validate() error {
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("access TTL must be shorter than refresh TTL")
	}
	if len(c.Secret) < 16 {
		return errors.New("token secret must be at least 16 bytes")
	}
	return nil
}

// Family is the server-side state of one rotation lineage. Only the latest
// rotation's nonce is kept; any other presented refresh token is a replay.
type Family struct {
	ID            string
	Subject       string
	SessionID     string
	DeviceID      string
	Rotation      int
	Nonce         string
	CreatedAt     time.Time
	RotatedAt     time.Time
	ExpiresAt     time.Time
	NotAfter      time.Time
	Revoked       bool
	RevokedReason string
}

// Advance describes the next rotation of a family.
type Advance struct {
	Nonce     string
	At        time.Time
	ExpiresAt time.Time
}

// Store persists families. CompareAndRotate must fail with ErrConflict
// unless expected still matches the stored rotation and nonce, with
// ErrRevoked if the family is revoked and ErrNotFound if it is gone.
type Store interface {
	Create(ctx context.Context, f *Family) error
	Get(ctx context.Context, id string) (*Family, error)
	CompareAndRotate(ctx context.Context, expected *Family, adv Advance) (*Family, error)
	Revoke(ctx context.Context, id, reason string) (bool, error)
	FamiliesOf(ctx context.Context, subject string) ([]string, error)
}

// Pair is what a client receives on login and on every rotation.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	CSRFToken        string    `json:"csrf_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Family           string    `json:"family"`
	Rotation         int       `json:"rotation"`
	SessionID        string    `json:"session_id"`
}

type IssueRequest struct {
	Subject   string
	SessionID string
	DeviceID  string
	// NotAfter caps every token of the family. Zero means no cap.
	NotAfter time.Time
}

type targetKind int

const (
	targetSubject targetKind = iota + 1
	targetFamily
)

// Target selects what Revoke invalidates.
type Target struct {
	kind targetKind
	id   string
}

// RevokeSubject targets every family of a principal.
func RevokeSubject(subject string) Target { return Target{kind: targetSubject, id: subject} }

// RevokeFamily targets one rotation family.
func RevokeFamily(family string) Target { return Target{kind: targetFamily, id: family} }

// ReuseError reports a replayed refresh token. It unwraps to
// ErrReuseDetected and names the session the family belonged to.
type ReuseError struct {
	Family    string
	SessionID string
	Subject   string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%v: family %s of session %s", xerrors.ErrReuseDetected, e.Family, e.SessionID)
}

func (e *ReuseError) Unwrap() error { return xerrors.ErrReuseDetected }
