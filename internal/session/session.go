// Package session owns session records and their lifecycle:
// active -> idle -> expiring -> expired, or terminated from any live state.
package session

import (
	"time"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusExpiring   Status = "expiring"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// Termination reasons recorded on the session.
const (
	ReasonAbsoluteTimeout = "absolute_timeout"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonLogout          = "logout"
	ReasonLogoutAll       = "logout_all"
	ReasonRevoked         = "revoked"
	ReasonTokenReuse      = "token_reuse"
)

type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

type Session struct {
	ID               string     `json:"id"`
	Principal        string     `json:"principal"`
	Device           DeviceInfo `json:"device"`
	Family           string     `json:"family"`
	Status           Status     `json:"status"`
	TerminatedReason string     `json:"terminated_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivity     time.Time  `json:"last_activity"`
	LastSeen         time.Time  `json:"last_seen"`
	ExpiresAt        time.Time  `json:"expires_at"`
	EndedAt          time.Time  `json:"ended_at,omitempty"`
	Version          int64      `json:"version"`
}

func (s *Session) clone() *Session {
	cp := *s
	return &cp
}

// retainUntil is when a store may forget the record.
func (s *Session) retainUntil(retention time.Duration) time.Time {
	until := s.ExpiresAt
	if s.EndedAt.After(until) {
		until = s.EndedAt
	}
	return until.Add(retention)
}

type Config struct {
	// IdleThreshold without activity moves a session to idle.
	IdleThreshold time.Duration
	// IdleTimeout without activity expires a session. Zero disables it.
	IdleTimeout time.Duration
	// ExpiryWarning before ExpiresAt moves a session to expiring.
	ExpiryWarning time.Duration
	AbsoluteTTL   time.Duration
	SweepInterval time.Duration
	// Retention keeps ended sessions visible before they are dropped.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 15 * time.Minute
	}
	if c.ExpiryWarning <= 0 {
		c.ExpiryWarning = 5 * time.Minute
	}
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = 12 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

type HeartbeatResult struct {
	SessionID        string    `json:"session_id"`
	Status           Status    `json:"status"`
	SecondsRemaining int64     `json:"seconds_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// evaluate returns the status s should have at now along with the reason
// when that status is expired.
func evaluate(s *Session, now time.Time, cfg Config) (Status, string) {
	if s.Status.Terminal() {
		return s.Status, s.TerminatedReason
	}
	if !now.Before(s.ExpiresAt) {
		return StatusExpired, ReasonAbsoluteTimeout
	}
	if cfg.IdleTimeout > 0 && !now.Before(s.LastActivity.Add(cfg.IdleTimeout)) {
		return StatusExpired, ReasonIdleTimeout
	}
	if !now.Before(s.ExpiresAt.Add(-cfg.ExpiryWarning)) {
		return StatusExpiring, ""
	}
	if !now.Before(s.LastActivity.Add(cfg.IdleThreshold)) {
		return StatusIdle, ""
	}
	return StatusActive, ""
}

// nextDeadline is the earliest instant after now at which evaluate may
// return something other than s.Status.
func nextDeadline(s *Session, now time.Time, cfg Config) (time.Time, bool) {
	if s.Status.Terminal() {
		return time.Time{}, false
	}
	candidates := []time.Time{
		s.ExpiresAt,
		s.ExpiresAt.Add(-cfg.ExpiryWarning),
		s.LastActivity.Add(cfg.IdleThreshold),
	}
	if cfg.IdleTimeout > 0 {
		candidates = append(candidates, s.LastActivity.Add(cfg.IdleTimeout))
	}

	var next time.Time
	for _, c := range candidates {
		if !c.After(now) {
			continue
		}
		if next.IsZero() || c.Before(next) {
			next = c
		}
	}
	return next, !next.IsZero()
}

func secondsUntil(t, now time.Time) int64 {
	if d := t.Sub(now); d > 0 {
		return int64(d / time.Second)
	}
	return 0
}
