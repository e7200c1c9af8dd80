package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript swaps the claim hash when holder and epoch still match.
var claimScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1]) == 1
if ARGV[1] == '' then
	if exists then
		return 0
	end
else
	if not exists then
		return 0
	end
	local cur = redis.call('HMGET', KEYS[1], 'holder', 'epoch')
	if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
		return 0
	end
end
redis.call('DEL', KEYS[1])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'holder', ARGV[3], 'epoch', ARGV[4], 'data', ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return 1
`)

// cursorScript keeps the larger sequence per room. ARGV holds room/seq pairs
// followed by the key TTL in milliseconds.
var cursorScript = redis.NewScript(`
for i = 1, #ARGV - 1, 2 do
	local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[i]) or '0')
	if tonumber(ARGV[i + 1]) > cur then
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
	end
end
redis.call('PEXPIRE', KEYS[1], ARGV[#ARGV])
return 1
`)

// RedisChannel connects tabs running as separate processes through Redis
// pub/sub, with the claim kept in a hash.
type RedisChannel struct {
	client redis.UniversalClient
	// claim and cursor keys outlive an abandoned principal by this long
	retention time.Duration
}

func NewRedisChannel(client redis.UniversalClient, retention time.Duration) *RedisChannel {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisChannel{client: client, retention: retention}
}

func busKey(principal string) string     { return "leader:bus:" + principal }
func claimKey(principal string) string   { return "leader:claim:" + principal }
func cursorsKey(principal string) string { return "leader:cursors:" + principal }

func (r *RedisChannel) Publish(ctx context.Context, principal string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal leader message: %w", err)
	}
	if err := r.client.Publish(ctx, busKey(principal), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish leader message: %w", err)
	}
	return nil
}

func (r *RedisChannel) Subscribe(ctx context.Context, principal string) (<-chan Message, func(), error) {
	sub := r.client.Subscribe(ctx, busKey(principal))
	// wait for the subscription so nothing published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to leader bus: %w", err)
	}

	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-done:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel, nil
}

func (r *RedisChannel) Get(ctx context.Context, principal string) (*Claim, error) {
	data, err := r.client.HGet(ctx, claimKey(principal), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claim: %w", err)
	}
	var c Claim
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to decode claim: %w", err)
	}
	return &c, nil
}

func (r *RedisChannel) CompareAndSwap(ctx context.Context, principal string, expected, next *Claim) (bool, error) {
	args := make([]interface{}, 6)
	args[0], args[1] = "", ""
	if expected != nil {
		args[0] = expected.Holder
		args[1] = strconv.FormatUint(expected.Epoch, 10)
	}
	args[2], args[3], args[4] = "", "", ""
	if next != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("failed to marshal claim: %w", err)
		}
		args[2] = next.Holder
		args[3] = strconv.FormatUint(next.Epoch, 10)
		args[4] = string(data)
	}
	args[5] = r.retention.Milliseconds()

	ok, err := claimScript.Run(ctx, r.client, []string{claimKey(principal)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap claim: %w", err)
	}
	return ok == 1, nil
}

func (r *RedisChannel) StoreCursors(ctx context.Context, principal string, cursors map[string]uint64) error {
	if len(cursors) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(cursors)*2+1)
	for room, seq := range cursors {
		args = append(args, room, strconv.FormatUint(seq, 10))
	}
	args = append(args, r.retention.Milliseconds())
	if err := cursorScript.Run(ctx, r.client, []string{cursorsKey(principal)}, args...).Err(); err != nil {
		return fmt.Errorf("failed to store cursors: %w", err)
	}
	return nil
}

func (r *RedisChannel) ResetCursors(ctx context.Context, principal string, cursors map[string]uint64) error {
	if len(cursors) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(cursors))
	for room, seq := range cursors {
		values[room] = strconv.FormatUint(seq, 10)
	}
	key := cursorsKey(principal)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.PExpire(ctx, key, r.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset cursors: %w", err)
	}
	return nil
}

func (r *RedisChannel) LoadCursors(ctx context.Context, principal string) (map[string]uint64, error) {
	raw, err := r.client.HGetAll(ctx, cursorsKey(principal)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	out := make(map[string]uint64, len(raw))
	for room, v := range raw {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		out[room] = seq
	}
	return out, nil
}
