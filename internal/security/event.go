// Package security carries security-relevant signals (token reuse, repeated
// validation failures, forced logouts) from where they are detected to the
// sinks that act on them.
package security

import (
	"context"
	"time"
)

type Kind string

const (
	KindTokenReuse         Kind = "token_reuse"
	KindValidationFailures Kind = "validation_failures"
	KindLoginLocked        Kind = "login_locked"
	KindForcedLogout       Kind = "forced_logout"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one security signal. Fields that do not apply stay empty.
type Event struct {
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Principal string    `json:"principal,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Family    string    `json:"family,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Reporter accepts events without blocking the caller.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// Sink handles one event. Sinks run on the dispatcher goroutine.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nopReporter struct{}

func (nopReporter) Report(context.Context, Event) {}

// Nop discards every event.
func Nop() Reporter { return nopReporter{} }
