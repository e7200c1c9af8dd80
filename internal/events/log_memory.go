package events

import (
	"context"
	"sort"
	"sync"

	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/rooms"
)

type roomLog struct {
	head    uint64
	records []Record
}

// MemoryLog keeps at most capacity records per room.
type MemoryLog struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[rooms.ID]*roomLog
}

func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryLog{capacity: capacity, rooms: make(map[rooms.ID]*roomLog)}
}

func (l *MemoryLog) Append(_ context.Context, room rooms.ID, ev Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rooms[room]
	if !ok {
		rl = &roomLog{}
		l.rooms[room] = rl
	}
	rl.head++
	rl.records = append(rl.records, Record{Room: room, Seq: rl.head, Event: ev})

	if over := len(rl.records) - l.capacity; over > 0 {
		kept := make([]Record, l.capacity)
		copy(kept, rl.records[over:])
		rl.records = kept
	}
	return rl.head, nil
}

func (l *MemoryLog) Since(_ context.Context, room rooms.ID, since uint64, limit int) (Page, error) {
	limit = clampLimit(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	rl, ok := l.rooms[room]
	if !ok {
		if since > 0 {
			return Page{}, &xerrors.SequenceGapError{Room: room.String(), Since: since}
		}
		return Page{Records: []Record{}}, nil
	}

	oldest := rl.head + 1
	if len(rl.records) > 0 {
		oldest = rl.records[0].Seq
	}
	if since > rl.head || (since < rl.head && since+1 < oldest) {
		return Page{}, &xerrors.SequenceGapError{Room: room.String(), Since: since, Oldest: oldest, Head: rl.head}
	}

	start := sort.Search(len(rl.records), func(i int) bool { return rl.records[i].Seq > since })
	end := start + limit
	hasMore := false
	if end < len(rl.records) {
		hasMore = true
	} else {
		end = len(rl.records)
	}

	out := make([]Record, end-start)
	copy(out, rl.records[start:end])
	return Page{Records: out, Head: rl.head, HasMore: hasMore}, nil
}
