package leader

import "context"

// Channel is what the tabs of one principal share: a broadcast bus, the
// persisted claim, and the last known room cursors.
type Channel interface {
	Publish(ctx context.Context, principal string, msg Message) error
	// Subscribe delivers messages published after it returns. The cancel
	// func releases the subscription and closes the channel.
	Subscribe(ctx context.Context, principal string) (<-chan Message, func(), error)

	// Get returns the current claim, or nil when nobody holds one.
	Get(ctx context.Context, principal string) (*Claim, error)
	// CompareAndSwap replaces the claim only if the stored one matches
	// expected by holder and epoch. A nil expected means no claim; a nil
	// next deletes it.
	CompareAndSwap(ctx context.Context, principal string, expected, next *Claim) (bool, error)

	// StoreCursors merges cursors, keeping the larger sequence per room.
	StoreCursors(ctx context.Context, principal string, cursors map[string]uint64) error
	// ResetCursors overwrites the given rooms, lower or not. It is used
	// after the server's log for a room was lost or restarted.
	ResetCursors(ctx context.Context, principal string, cursors map[string]uint64) error
	LoadCursors(ctx context.Context, principal string) (map[string]uint64, error)
}
