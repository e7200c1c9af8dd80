package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/rooms"

	"github.com/redis/go-redis/v9"
)

// appendScript bumps the room counter, stores "<seq>|<event json>" scored by
// seq, trims to capacity and refreshes retention on both keys.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, seq .. '|' .. ARGV[1])
local cap = tonumber(ARGV[2])
redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(cap + 1))
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return seq
`)

// RedisLog keeps room logs in sorted sets so every API node sees the same
// sequence numbers.
type RedisLog struct {
	client    redis.UniversalClient
	capacity  int
	retention time.Duration
}

func NewRedisLog(client redis.UniversalClient, capacity int, retention time.Duration) *RedisLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &RedisLog{client: client, capacity: capacity, retention: retention}
}

// Both keys of a room share the {room} hash tag so the append script and
// the read transaction stay in one cluster slot.
func (l *RedisLog) seqKey(room rooms.ID) string { return "events:{" + room.String() + "}:seq" }
func (l *RedisLog) logKey(room rooms.ID) string { return "events:{" + room.String() + "}:log" }

func (l *RedisLog) Append(ctx context.Context, room rooms.ID, ev Event) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	seq, err := appendScript.Run(ctx, l.client,
		[]string{l.seqKey(room), l.logKey(room)},
		string(data), l.capacity, l.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to append event to %s: %w", room, err)
	}
	return uint64(seq), nil
}

func (l *RedisLog) Since(ctx context.Context, room rooms.ID, since uint64, limit int) (Page, error) {
	limit = clampLimit(limit)

	var (
		headCmd   *redis.StringCmd
		oldestCmd *redis.ZSliceCmd
		rangeCmd  *redis.ZSliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		headCmd = pipe.Get(ctx, l.seqKey(room))
		oldestCmd = pipe.ZRangeWithScores(ctx, l.logKey(room), 0, 0)
		rangeCmd = pipe.ZRangeByScoreWithScores(ctx, l.logKey(room), &redis.ZRangeBy{
			Min:   "(" + strconv.FormatUint(since, 10),
			Max:   "+inf",
			Count: int64(limit + 1),
		})
		return nil
	})
	if err != nil && err != redis.Nil {
		return Page{}, fmt.Errorf("failed to read event log %s: %w", room, err)
	}

	var head uint64
	if raw, err := headCmd.Result(); err == nil {
		head, _ = strconv.ParseUint(raw, 10, 64)
	} else if err != redis.Nil {
		return Page{}, fmt.Errorf("failed to read head of %s: %w", room, err)
	}

	oldest := head + 1
	if zs, err := oldestCmd.Result(); err == nil && len(zs) > 0 {
		oldest = uint64(zs[0].Score)
	}
	if since > head || (since < head && since+1 < oldest) {
		return Page{}, &xerrors.SequenceGapError{Room: room.String(), Since: since, Oldest: oldest, Head: head}
	}

	zs, err := rangeCmd.Result()
	if err != nil {
		return Page{}, fmt.Errorf("failed to range event log %s: %w", room, err)
	}

	hasMore := len(zs) > limit
	if hasMore {
		zs = zs[:limit]
	}

	records := make([]Record, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		_, body, ok := strings.Cut(member, "|")
		if !ok {
			return Page{}, fmt.Errorf("corrupt event log entry in %s", room)
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return Page{}, fmt.Errorf("failed to unmarshal event in %s: %w", room, err)
		}
		records = append(records, Record{Room: room, Seq: uint64(z.Score), Event: ev})
	}

	return Page{Records: records, Head: head, HasMore: hasMore}, nil
}
