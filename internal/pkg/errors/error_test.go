package xerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSequenceGapErrorUnwrapsToSentinel(t *testing.T) {
	var err error = &SequenceGapError{Room: "user:1", Since: 3, Oldest: 10, Head: 20}
	wrapped := fmt.Errorf("poll: %w", err)

	if !errors.Is(wrapped, ErrSequenceGap) {
		t.Fatalf("expected wrapped gap to match ErrSequenceGap")
	}

	var gap *SequenceGapError
	if !errors.As(wrapped, &gap) {
		t.Fatalf("expected errors.As to find *SequenceGapError")
	}
	if gap.Oldest != 10 || gap.Head != 20 {
		t.Errorf("unexpected gap payload: %+v", gap)
	}
}

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrExpired, true},
		{Wrap(ErrRevoked, "validate"), true},
		{ErrReuseDetected, true},
		{ErrRoomPolicyViolation, false},
		{ErrNetworkUnavailable, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsAuthFailure(tc.err); got != tc.want {
			t.Errorf("IsAuthFailure(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should stay nil")
	}
}

func TestSequenceGapResume(t *testing.T) {
	cases := []struct {
		name string
		gap  SequenceGapError
		want uint64
	}{
		{"trimmed", SequenceGapError{Since: 3, Oldest: 10, Head: 20}, 9},
		{"log restarted", SequenceGapError{Since: 30, Oldest: 1, Head: 2}, 0},
		{"log emptied", SequenceGapError{Since: 30, Oldest: 1, Head: 0}, 0},
		{"unknown room", SequenceGapError{Since: 5}, 0},
		{"ahead of a trimmed log", SequenceGapError{Since: 50, Oldest: 12, Head: 40}, 11},
	}
	for _, tc := range cases {
		if got := tc.gap.Resume(); got != tc.want {
			t.Errorf("%s: Resume() = %d, want %d", tc.name, got, tc.want)
		}
	}
}
