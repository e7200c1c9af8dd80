package events

import (
	"context"

	"helpdesk-service/internal/rooms"
)

const (
	DefaultPollLimit = 100
	MaxPollLimit     = 500
)

// Log stores the recent events of every room.
//
// Append assigns the next sequence number of room; callers serialize appends
// per room. Since returns records with Seq > since in ascending order, or a
// *xerrors.SequenceGapError when records after since were already trimmed or
// since is ahead of the head.
type Log interface {
	Append(ctx context.Context, room rooms.ID, ev Event) (uint64, error)
	Since(ctx context.Context, room rooms.ID, since uint64, limit int) (Page, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPollLimit
	}
	if limit > MaxPollLimit {
		return MaxPollLimit
	}
	return limit
}
