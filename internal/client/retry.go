// Package client is the headless side of the realtime channel: the
// websocket link a leader tab holds, the HTTP fallback poller, and the retry
// policy both follow.
package client

import (
	"context"
	"errors"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// Outcome is what a caller should do about an error.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeRetry covers transient failures: network down, 5xx, rate limits.
	OutcomeRetry
	// OutcomeReauth means the access token expired; refresh and retry.
	OutcomeReauth
	// OutcomeResync means events were trimmed; restart from the log.
	OutcomeResync
	// OutcomeFatal means the session is gone; sign out.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeReauth:
		return "reauth"
	case OutcomeResync:
		return "resync"
	default:
		return "fatal"
	}
}

// Classify maps an error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeFatal
	case errors.Is(err, xerrors.ErrReuseDetected),
		errors.Is(err, xerrors.ErrRevoked),
		errors.Is(err, xerrors.ErrSessionExpired),
		errors.Is(err, xerrors.ErrInvalidSignature),
		errors.Is(err, xerrors.ErrUnauthorized):
		return OutcomeFatal
	case errors.Is(err, xerrors.ErrExpired),
		errors.Is(err, xerrors.ErrCSRFMismatch):
		return OutcomeReauth
	case errors.Is(err, xerrors.ErrSequenceGap):
		return OutcomeResync
	case errors.Is(err, xerrors.ErrNetworkUnavailable),
		errors.Is(err, xerrors.ErrRateLimited),
		errors.Is(err, xerrors.ErrInternal),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetry
	default:
		return OutcomeFatal
	}
}

// Step tells the caller whether and how to try again.
type Step struct {
	Retry   bool
	Refresh bool
	Delay   time.Duration
}

// Policy bounds retries with exponential backoff.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

var DefaultPolicy = Policy{
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 6,
}

// Plan decides the next step after attempt (zero based) ended with o.
func Plan(o Outcome, attempt int) Step {
	return DefaultPolicy.Plan(o, attempt)
}

func (p Policy) Plan(o Outcome, attempt int) Step {
	switch o {
	case OutcomeRetry:
		if attempt+1 >= p.MaxAttempts {
			return Step{}
		}
		return Step{Retry: true, Delay: p.backoff(attempt)}
	case OutcomeReauth:
		// one refresh per request; a second expiry means refresh is broken
		if attempt > 0 {
			return Step{}
		}
		return Step{Retry: true, Refresh: true}
	case OutcomeResync:
		if attempt > 0 {
			return Step{}
		}
		return Step{Retry: true}
	default:
		return Step{}
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
