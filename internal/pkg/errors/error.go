package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource was modified concurrently")
	ErrInternal       = errors.New("internal server error")
	ErrRateLimited    = errors.New("too many requests")
	ErrSessionExpired = errors.New("session expired or invalid")
)

// Token, session and realtime errors
var (
	ErrExpired             = errors.New("token expired")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrRevoked             = errors.New("token revoked")
	ErrReuseDetected       = errors.New("refresh token reuse detected")
	ErrCSRFMismatch        = errors.New("csrf token mismatch")
	ErrRoomPolicyViolation = errors.New("room policy violation")
	ErrSequenceGap         = errors.New("sequence gap")
	ErrLeaderConflict      = errors.New("leader conflict")
	ErrNetworkUnavailable  = errors.New("network unavailable")
)

// SequenceGapError reports that events after Since are no longer retained for Room.
type SequenceGapError struct {
	Room   string
	Since  uint64
	Oldest uint64
	Head   uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap in %s: requested after %d, oldest retained %d, head %d",
		e.Room, e.Since, e.Oldest, e.Head)
}

func (e *SequenceGapError) Unwrap() error {
	return ErrSequenceGap
}

// Resume is the cursor to read from after the gap: just before the oldest
// retained record, and never past Head. It is below Since when the log was
// lost or restarted.
func (e *SequenceGapError) Resume() uint64 {
	if e.Oldest == 0 || e.Oldest-1 > e.Head {
		return e.Head
	}
	return e.Oldest - 1
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// IsAuthFailure reports whether err means the caller has to re-authenticate.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrRevoked) ||
		errors.Is(err, ErrReuseDetected) ||
		errors.Is(err, ErrSessionExpired)
}
