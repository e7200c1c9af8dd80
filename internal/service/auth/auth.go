// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"helpdesk-service/internal/domain/auth"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/security"
	"helpdesk-service/internal/session"
	"helpdesk-service/internal/token"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// IdentityStore is the identities table.
type IdentityStore interface {
	FindIdentityByEmail(ctx context.Context, email string) (*auth.Identity, error)
	FindIdentityByID(ctx context.Context, id int64) (*auth.Identity, error)
	CreateIdentity(ctx context.Context, identity *auth.Identity) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	AdminExists(ctx context.Context) (bool, error)
	UpdateIdentityLastLogin(ctx context.Context, id int64) error
	IncrementFailedLoginAttempts(ctx context.Context, id int64, maxAttempts int, lockDuration time.Duration) (int, error)
}

// Sessions is the session coordinator.
type Sessions interface {
	Create(ctx context.Context, principal string, device session.DeviceInfo) (*session.Session, *token.Pair, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Touch(ctx context.Context, id string) (*session.Session, error)
	Heartbeat(ctx context.Context, id string) (*session.HeartbeatResult, error)
	Terminate(ctx context.Context, id, reason string) (*session.Session, error)
	TerminateAll(ctx context.Context, principal, keep, reason string) (int, error)
	ListActive(ctx context.Context, principal string) ([]*session.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*session.Session, *token.Pair, error)
}

// Tokens is the token manager.
type Tokens interface {
	Validate(ctx context.Context, accessToken string) (*jwt.Claims, error)
	CSRFFor(ctx context.Context, family string) (string, error)
	ValidateCSRF(ctx context.Context, family, submitted string) error
}

// LoginLimiter throttles password attempts and counts bad tokens.
type LoginLimiter interface {
	CheckLoginAttempt(ctx context.Context, ip, email string) (bool, int64, error)
	ResetLoginAttempts(ctx context.Context, ip, email string) error
	RecordValidationFailure(ctx context.Context, source, detail string) (int64, error)
}

// SessionHistory is the durable session mirror, queried for ended sessions.
type SessionHistory interface {
	ListByPrincipal(ctx context.Context, principal string, statuses []string, limit int) ([]*session.Session, error)
}

type Config struct {
	LockoutAttempts int
	LockoutDuration time.Duration
}

type Options struct {
	Limiter  LoginLimiter
	History  SessionHistory
	Emails   *EmailHelper
	Reporter security.Reporter
	Now      func() time.Time
	Logger   *zap.Logger
}

type AuthService struct {
	cfg        Config
	identities IdentityStore
	sessions   Sessions
	tokens     Tokens
	limiter    LoginLimiter
	history    SessionHistory
	emails     *EmailHelper
	reporter   security.Reporter
	now        func() time.Time
	logger     *zap.Logger

	// compared against when the email is unknown so both paths cost a bcrypt
	dummyHash []byte
}

func NewAuthService(cfg Config, identities IdentityStore, sessions Sessions, tokens Tokens, opts Options) *AuthService {
	if cfg.LockoutAttempts <= 0 {
		cfg.LockoutAttempts = 10
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	if opts.Reporter == nil {
		opts.Reporter = security.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	return &AuthService{
		cfg:        cfg,
		identities: identities,
		sessions:   sessions,
		tokens:     tokens,
		limiter:    opts.Limiter,
		history:    opts.History,
		emails:     opts.Emails,
		reporter:   opts.Reporter,
		now:        opts.Now,
		logger:     opts.Logger,
		dummyHash:  dummy,
	}
}

var errInvalidCredentials = fmt.Errorf("%w: invalid credentials", xerrors.ErrUnauthorized)

// ========== Login ==========

// Login checks the password and opens a session on the caller's device.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.CheckLoginAttempt(ctx, req.IPAddress, req.Email)
		if err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: too many login attempts, try again later", xerrors.ErrRateLimited)
		}
	}

	identity, err := s.identities.FindIdentityByEmail(ctx, req.Email)
	if errors.Is(err, xerrors.ErrNotFound) {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	switch identity.Status {
	case auth.StatusInactive:
		return nil, fmt.Errorf("%w: account is inactive", xerrors.ErrForbidden)
	case auth.StatusSuspended:
		return nil, fmt.Errorf("%w: account is suspended", xerrors.ErrForbidden)
	}
	if identity.Locked(s.now()) {
		return nil, fmt.Errorf("%w: account is locked until %s", xerrors.ErrForbidden, identity.LockedUntil.Time.UTC().Format(time.RFC3339))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(req.Password)); err != nil {
		s.recordBadPassword(ctx, identity, req)
		return nil, errInvalidCredentials
	}

	if err := s.identities.UpdateIdentityLastLogin(ctx, identity.ID); err != nil {
		s.logger.Error("failed to update last login", zap.Int64("identity_id", identity.ID), zap.Error(err))
	}
	if s.limiter != nil {
		if err := s.limiter.ResetLoginAttempts(ctx, req.IPAddress, req.Email); err != nil {
			s.logger.Warn("failed to reset login attempts", zap.Error(err))
		}
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	sess, pair, err := s.sessions.Create(ctx, identity.Principal(), session.DeviceInfo{
		DeviceID:    deviceID,
		Fingerprint: req.Fingerprint,
		UserAgent:   req.UserAgent,
		IPAddress:   req.IPAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("login succeeded",
		zap.String("principal", identity.Principal()),
		zap.String("session_id", sess.ID),
		zap.String("device_id", deviceID),
	)

	return &auth.LoginResponse{
		Session: sessionInfo(sess, sess.ID),
		Tokens:  pair,
		User: &auth.UserInfo{
			IdentityID: identity.ID,
			Email:      identity.Email,
			FullName:   identity.FullName,
			Role:       identity.Role,
		},
	}, nil
}

func (s *AuthService) recordBadPassword(ctx context.Context, identity *auth.Identity, req *auth.LoginRequest) {
	attempts, err := s.identities.IncrementFailedLoginAttempts(ctx, identity.ID, s.cfg.LockoutAttempts, s.cfg.LockoutDuration)
	if err != nil {
		s.logger.Error("failed to record failed login", zap.Int64("identity_id", identity.ID), zap.Error(err))
		return
	}
	if attempts != s.cfg.LockoutAttempts {
		return
	}

	until := s.now().Add(s.cfg.LockoutDuration)
	s.logger.Warn("account locked after repeated bad passwords",
		zap.String("principal", identity.Principal()),
		zap.Int("attempts", attempts),
	)
	s.reporter.Report(ctx, security.Event{
		Kind:      security.KindLoginLocked,
		Severity:  security.SeverityWarning,
		Principal: identity.Principal(),
		Source:    req.IPAddress,
		Detail:    fmt.Sprintf("%d failed logins, locked until %s", attempts, until.UTC().Format(time.RFC3339)),
		At:        s.now(),
	})
	if s.emails != nil {
		s.emails.SendAccountLocked(ctx, identity.Email, identity.FullName, until, req.IPAddress)
	}
}

// ========== Tokens ==========

// Refresh rotates the refresh token. Replaying an old refresh token ends
// the session it belonged to.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*auth.LoginResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", xerrors.ErrUnauthorized)
	}
	sess, pair, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &auth.LoginResponse{Session: sessionInfo(sess, sess.ID), Tokens: pair}, nil
}

// ValidateToken checks an access token and that its session is still live.
// Failures are counted per source so floods surface as security events.
func (s *AuthService) ValidateToken(ctx context.Context, accessToken, source string) (*jwt.Claims, *session.Session, error) {
	claims, err := s.tokens.Validate(ctx, accessToken)
	if err != nil {
		if xerrors.IsAuthFailure(err) && s.limiter != nil {
			if _, lerr := s.limiter.RecordValidationFailure(ctx, source, err.Error()); lerr != nil {
				s.logger.Debug("failed to count validation failure", zap.Error(lerr))
			}
		}
		return nil, nil, err
	}

	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: session %s not found", xerrors.ErrSessionExpired, claims.SessionID)
	}
	if err != nil {
		return nil, nil, err
	}
	if sess.Status.Terminal() || sess.Principal != claims.Principal() {
		return nil, nil, fmt.Errorf("%w: session %s is %s", xerrors.ErrSessionExpired, sess.ID, sess.Status)
	}
	return claims, sess, nil
}

// CSRFToken returns the token browser clients echo in X-CSRF-Token.
func (s *AuthService) CSRFToken(ctx context.Context, family string) (string, error) {
	return s.tokens.CSRFFor(ctx, family)
}

func (s *AuthService) ValidateCSRF(ctx context.Context, family, submitted string) error {
	return s.tokens.ValidateCSRF(ctx, family, submitted)
}

// ========== Logout ==========

// Logout ends the caller's current session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if _, err := s.sessions.Terminate(ctx, sessionID, session.ReasonLogout); err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	return nil
}

// LogoutAll ends every session of principal and revokes all its tokens.
func (s *AuthService) LogoutAll(ctx context.Context, principal string) (int, error) {
	n, err := s.sessions.TerminateAll(ctx, principal, "", session.ReasonLogoutAll)
	if err != nil {
		return n, fmt.Errorf("failed to terminate sessions: %w", err)
	}
	s.reporter.Report(ctx, security.Event{
		Kind:      security.KindForcedLogout,
		Severity:  security.SeverityInfo,
		Principal: principal,
		Detail:    fmt.Sprintf("%d sessions signed out", n),
		At:        s.now(),
	})
	if s.emails != nil && n > 0 {
		if identity, err := s.identityFor(ctx, principal); err == nil {
			s.emails.SendSignedOutEverywhere(ctx, identity.Email, identity.FullName, n)
		}
	}
	return n, nil
}

// ========== Session Management ==========

// ListSessions returns principal's live sessions, marking current.
func (s *AuthService) ListSessions(ctx context.Context, principal, current string) ([]auth.SessionInfo, error) {
	sessions, err := s.sessions.ListActive(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]auth.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo(sess, current))
	}
	return out, nil
}

// SessionHistory lists principal's recorded sessions, ended ones included,
// newest first. statuses filters by status when not empty.
func (s *AuthService) SessionHistory(ctx context.Context, principal, current string, statuses []string, limit int) ([]auth.SessionInfo, error) {
	if s.history == nil {
		return nil, fmt.Errorf("%w: session history is not recorded", xerrors.ErrNotFound)
	}
	for _, st := range statuses {
		switch session.Status(st) {
		case session.StatusActive, session.StatusIdle, session.StatusExpiring, session.StatusExpired, session.StatusTerminated:
		default:
			return nil, fmt.Errorf("%w: unknown session status %q", xerrors.ErrInvalidInput, st)
		}
	}
	sessions, err := s.history.ListByPrincipal(ctx, principal, statuses, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	out := make([]auth.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo(sess, current))
	}
	return out, nil
}

// TerminateSession ends one of principal's sessions. Sessions of other
// principals are reported as not found.
func (s *AuthService) TerminateSession(ctx context.Context, principal, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Principal != principal {
		return xerrors.ErrNotFound
	}
	if _, err := s.sessions.Terminate(ctx, sessionID, session.ReasonRevoked); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// Heartbeat reports time left without counting as activity.
func (s *AuthService) Heartbeat(ctx context.Context, sessionID string) (*session.HeartbeatResult, error) {
	return s.sessions.Heartbeat(ctx, sessionID)
}

// Activity records user activity on the session.
func (s *AuthService) Activity(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.sessions.Touch(ctx, sessionID)
}

// Me returns the signed in identity.
func (s *AuthService) Me(ctx context.Context, principal string) (*auth.UserInfo, error) {
	identity, err := s.identityFor(ctx, principal)
	if err != nil {
		return nil, err
	}
	return &auth.UserInfo{
		IdentityID: identity.ID,
		Email:      identity.Email,
		FullName:   identity.FullName,
		Role:       identity.Role,
	}, nil
}

func (s *AuthService) identityFor(ctx context.Context, principal string) (*auth.Identity, error) {
	id, err := strconv.ParseInt(principal, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed principal", xerrors.ErrInvalidInput)
	}
	return s.identities.FindIdentityByID(ctx, id)
}

func sessionInfo(s *session.Session, current string) auth.SessionInfo {
	return auth.SessionInfo{
		ID:           s.ID,
		DeviceID:     s.Device.DeviceID,
		UserAgent:    s.Device.UserAgent,
		IPAddress:    s.Device.IPAddress,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		Current:      s.ID == current,
	}
}
