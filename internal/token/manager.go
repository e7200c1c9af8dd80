package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helpdesk-service/internal/metrics"
	"helpdesk-service/internal/pkg/clock"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/pkg/keylock"
	"helpdesk-service/internal/security"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Manager struct {
	cfg      Config
	store    Store
	gen      *jwt.Generator
	ver      *jwt.Verifier
	csrfKey  []byte
	locks    *keylock.Locker
	clock    clock.Clock
	reporter security.Reporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewManager(
	cfg Config,
	store Store,
	keys *jwt.Manager,
	clk clock.Clock,
	reporter security.Reporter,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if keys == nil || keys.Generator == nil || keys.Verifier == nil {
		return nil, errors.New("token manager needs a jwt generator and verifier")
	}
	key, err := deriveCSRFKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if reporter == nil {
		reporter = security.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		gen:      keys.Generator,
		ver:      keys.Verifier,
		csrfKey:  key,
		locks:    keylock.New(),
		clock:    clk,
		reporter: reporter,
		metrics:  m,
		logger:   logger,
	}, nil
}

func newNonce() string {
	return ulid.Make().String()
}

func (m *Manager) refreshExpiry(now, notAfter time.Time) time.Time {
	exp := now.Add(m.cfg.RefreshTTL)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}
	return exp
}

// Issue starts a new family at rotation 0.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Pair, error) {
	if req.Subject == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: subject and session are required", xerrors.ErrInvalidInput)
	}
	now := m.clock.Now()
	exp := m.refreshExpiry(now, req.NotAfter)
	if !exp.After(now) {
		return nil, fmt.Errorf("%w: session already past its expiry", xerrors.ErrExpired)
	}

	f := &Family{
		ID:        ulid.Make().String(),
		Subject:   req.Subject,
		SessionID: req.SessionID,
		DeviceID:  req.DeviceID,
		Rotation:  0,
		Nonce:     newNonce(),
		CreatedAt: now,
		RotatedAt: now,
		ExpiresAt: exp,
		NotAfter:  req.NotAfter,
	}
	if err := m.store.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to store token family: %w", err)
	}

	pair, err := m.mint(f, now)
	if err != nil {
		return nil, err
	}
	m.metrics.TokenIssued()
	m.logger.Debug("token family issued",
		zap.String("principal", f.Subject),
		zap.String("session_id", f.SessionID),
		zap.String("family", f.ID),
	)
	return pair, nil
}

func (m *Manager) mint(f *Family, now time.Time) (*Pair, error) {
	accessExp := now.Add(m.cfg.AccessTTL)
	if f.ExpiresAt.Before(accessExp) {
		accessExp = f.ExpiresAt
	}

	access, err := m.gen.Generate(jwt.TokenSpec{
		Kind:      jwt.KindAccess,
		Subject:   f.Subject,
		SessionID: f.SessionID,
		DeviceID:  f.DeviceID,
		Family:    f.ID,
		Rotation:  f.Rotation,
		Nonce:     newNonce(),
		IssuedAt:  now,
		ExpiresAt: accessExp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := m.gen.Generate(jwt.TokenSpec{
		Kind:      jwt.KindRefresh,
		Subject:   f.Subject,
		SessionID: f.SessionID,
		DeviceID:  f.DeviceID,
		Family:    f.ID,
		Rotation:  f.Rotation,
		Nonce:     f.Nonce,
		IssuedAt:  now,
		ExpiresAt: f.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		CSRFToken:        csrfToken(m.csrfKey, f),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: f.ExpiresAt,
		Family:           f.ID,
		Rotation:         f.Rotation,
		SessionID:        f.SessionID,
	}, nil
}

// Rotate exchanges the latest refresh token of a family for a new pair.
// Presenting any other refresh token of the family revokes the whole family
// and fails with ErrReuseDetected.
func (m *Manager) Rotate(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := m.ver.VerifyRefreshToken(refreshToken)
	if err != nil {
		m.metrics.TokenRotation("invalid")
		return nil, err
	}

	unlock := m.locks.Lock(claims.Family)
	defer unlock()

	f, err := m.family(ctx, claims.Family)
	if err != nil {
		m.metrics.TokenRotation("revoked")
		return nil, err
	}
	if claims.Rotation != f.Rotation || claims.Nonce() != f.Nonce {
		return nil, m.reuse(ctx, f, claims)
	}

	now := m.clock.Now()
	next, err := m.store.CompareAndRotate(ctx, f, Advance{
		Nonce:     newNonce(),
		At:        now,
		ExpiresAt: m.refreshExpiry(now, f.NotAfter),
	})
	switch {
	case errors.Is(err, xerrors.ErrConflict):
		// another node rotated between our read and write
		return nil, m.reuse(ctx, f, claims)
	case errors.Is(err, xerrors.ErrRevoked), errors.Is(err, xerrors.ErrNotFound):
		m.metrics.TokenRotation("revoked")
		return nil, fmt.Errorf("%w: family %s", xerrors.ErrRevoked, f.ID)
	case err != nil:
		return nil, fmt.Errorf("failed to rotate family %s: %w", f.ID, err)
	}

	pair, err := m.mint(next, now)
	if err != nil {
		return nil, err
	}
	m.metrics.TokenRotation("rotated")
	return pair, nil
}

func (m *Manager) reuse(ctx context.Context, f *Family, claims *jwt.Claims) error {
	if _, err := m.store.Revoke(ctx, f.ID, string(security.KindTokenReuse)); err != nil {
		m.logger.Error("failed to revoke family after reuse",
			zap.String("family", f.ID),
			zap.Error(err),
		)
	}
	m.metrics.TokenRotation("reuse")
	m.logger.Warn("refresh token reuse detected",
		zap.String("principal", f.Subject),
		zap.String("session_id", f.SessionID),
		zap.String("family", f.ID),
		zap.Int("presented_rotation", claims.Rotation),
		zap.Int("current_rotation", f.Rotation),
	)
	m.reporter.Report(ctx, security.Event{
		Kind:      security.KindTokenReuse,
		Severity:  security.SeverityCritical,
		Principal: f.Subject,
		SessionID: f.SessionID,
		Family:    f.ID,
		DeviceID:  f.DeviceID,
		Detail:    fmt.Sprintf("presented rotation %d, current %d", claims.Rotation, f.Rotation),
	})
	return &ReuseError{Family: f.ID, SessionID: f.SessionID, Subject: f.Subject}
}

// family loads a live family. Missing and revoked families both fail with
// ErrRevoked.
func (m *Manager) family(ctx context.Context, id string) (*Family, error) {
	f, err := m.store.Get(ctx, id)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("%w: family %s is unknown", xerrors.ErrRevoked, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load family %s: %w", id, err)
	}
	if f.Revoked {
		return nil, fmt.Errorf("%w: family %s (%s)", xerrors.ErrRevoked, id, f.RevokedReason)
	}
	return f, nil
}

// Validate checks an access token and that its family is still live.
// Access tokens of earlier rotations stay valid until they expire.
func (m *Manager) Validate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	claims, err := m.ver.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if _, err := m.family(ctx, claims.Family); err != nil {
		return nil, err
	}
	return claims, nil
}

// Revoke invalidates every token of the target. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, target Target, reason string) error {
	switch target.kind {
	case targetFamily:
		return m.revokeFamily(ctx, target.id, reason)
	case targetSubject:
		ids, err := m.store.FamiliesOf(ctx, target.id)
		if err != nil {
			return fmt.Errorf("failed to list families of %s: %w", target.id, err)
		}
		for _, id := range ids {
			if err := m.revokeFamily(ctx, id, reason); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: empty revocation target", xerrors.ErrInvalidInput)
	}
}

func (m *Manager) revokeFamily(ctx context.Context, id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: family is required", xerrors.ErrInvalidInput)
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	changed, err := m.store.Revoke(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke family %s: %w", id, err)
	}
	if changed {
		m.logger.Info("token family revoked", zap.String("family", id), zap.String("reason", reason))
	}
	return nil
}

// CSRFFor returns the CSRF token bound to the family's current rotation.
func (m *Manager) CSRFFor(ctx context.Context, family string) (string, error) {
	f, err := m.family(ctx, family)
	if err != nil {
		return "", err
	}
	return csrfToken(m.csrfKey, f), nil
}

// ValidateCSRF compares submitted against the family-bound value in
// constant time.
func (m *Manager) ValidateCSRF(ctx context.Context, family, submitted string) error {
	if submitted == "" {
		return fmt.Errorf("%w: missing csrf token", xerrors.ErrCSRFMismatch)
	}
	want, err := m.CSRFFor(ctx, family)
	if err != nil {
		return err
	}
	if !csrfEqual(want, submitted) {
		return fmt.Errorf("%w: csrf token does not match", xerrors.ErrCSRFMismatch)
	}
	return nil
}
