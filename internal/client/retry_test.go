package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"expired", xerrors.ErrExpired, OutcomeReauth},
		{"csrf", fmt.Errorf("refresh: %w", xerrors.ErrCSRFMismatch), OutcomeReauth},
		{"gap", &xerrors.SequenceGapError{Room: "user:1"}, OutcomeResync},
		{"network", fmt.Errorf("%w: dial tcp", xerrors.ErrNetworkUnavailable), OutcomeRetry},
		{"rate limited", xerrors.ErrRateLimited, OutcomeRetry},
		{"server", &APIError{Status: 503}, OutcomeRetry},
		{"deadline", context.DeadlineExceeded, OutcomeRetry},
		{"reuse", &APIError{Status: 401, Code: "reuse_detected"}, OutcomeFatal},
		{"revoked", xerrors.ErrRevoked, OutcomeFatal},
		{"session expired", xerrors.ErrSessionExpired, OutcomeFatal},
		{"plain 401", &APIError{Status: 401}, OutcomeFatal},
		{"canceled", context.Canceled, OutcomeFatal},
		{"unknown", fmt.Errorf("boom"), OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 4}

	tests := []struct {
		name    string
		outcome Outcome
		attempt int
		want    Step
	}{
		{"first retry", OutcomeRetry, 0, Step{Retry: true, Delay: 100 * time.Millisecond}},
		{"backoff doubles", OutcomeRetry, 2, Step{Retry: true, Delay: 400 * time.Millisecond}},
		{"attempts exhausted", OutcomeRetry, 3, Step{}},
		{"reauth refreshes once", OutcomeReauth, 0, Step{Retry: true, Refresh: true}},
		{"second expiry gives up", OutcomeReauth, 1, Step{}},
		{"resync once", OutcomeResync, 0, Step{Retry: true}},
		{"fatal", OutcomeFatal, 0, Step{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Plan(tt.outcome, tt.attempt); got != tt.want {
				t.Errorf("Plan(%s, %d) = %+v, want %+v", tt.outcome, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, MaxAttempts: 100}
	if d := p.backoff(10); d != 2*time.Second {
		t.Errorf("backoff(10) = %v, want cap", d)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("sleep = %v, want context.Canceled", err)
	}
}
