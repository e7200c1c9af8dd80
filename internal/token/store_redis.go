package token

import (
	"context"
	"fmt"
	"strconv"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// indexScript adds a family to its subject index and keeps the index alive
// as long as its longest lived family. Scores may come back in exponent
// form, so PEXPIREAT always gets the caller's integer.
var indexScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
if top[2] == nil or tonumber(ARGV[1]) >= tonumber(top[2]) then
	redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return 1
`)

// rotateScript advances a family only if rotation and nonce still match.
// It touches the family key alone; the subject index sits in another
// cluster slot and is refreshed by a separate indexScript call.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local cur = redis.call('HMGET', KEYS[1], 'rotation', 'nonce', 'revoked')
if cur[3] == '1' then
	return 'revoked'
end
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 'conflict'
end
redis.call('HSET', KEYS[1],
	'rotation', tonumber(cur[1]) + 1,
	'nonce', ARGV[3],
	'rotated_at', ARGV[4],
	'expires_at', ARGV[5])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return 'ok'
`)

var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_reason', ARGV[1])
return 1
`)

// RedisStore keeps one hash per family, expiring with the family's refresh
// token, plus a sorted set per subject scored by expiry.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func familyKey(id string) string       { return "token:family:" + id }
func subjectKey(subject string) string { return "token:subject:" + subject }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *RedisStore) Create(ctx context.Context, f *Family) error {
	key := familyKey(f.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"subject":        f.Subject,
			"session_id":     f.SessionID,
			"device_id":      f.DeviceID,
			"rotation":       f.Rotation,
			"nonce":          f.Nonce,
			"created_at":     millis(f.CreatedAt),
			"rotated_at":     millis(f.RotatedAt),
			"expires_at":     millis(f.ExpiresAt),
			"not_after":      millis(f.NotAfter),
			"revoked":        "0",
			"revoked_reason": "",
		})
		pipe.PExpireAt(ctx, key, f.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create family %s: %w", f.ID, err)
	}
	if err := indexScript.Run(ctx, s.client, []string{subjectKey(f.Subject)}, millis(f.ExpiresAt), f.ID).Err(); err != nil {
		return fmt.Errorf("failed to index family %s: %w", f.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Family, error) {
	vals, err := s.client.HGetAll(ctx, familyKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load family %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, xerrors.ErrNotFound
	}

	rotation, err := strconv.Atoi(vals["rotation"])
	if err != nil {
		return nil, fmt.Errorf("corrupt rotation for family %s: %w", id, err)
	}
	return &Family{
		ID:            id,
		Subject:       vals["subject"],
		SessionID:     vals["session_id"],
		DeviceID:      vals["device_id"],
		Rotation:      rotation,
		Nonce:         vals["nonce"],
		CreatedAt:     fromMillis(vals["created_at"]),
		RotatedAt:     fromMillis(vals["rotated_at"]),
		ExpiresAt:     fromMillis(vals["expires_at"]),
		NotAfter:      fromMillis(vals["not_after"]),
		Revoked:       vals["revoked"] == "1",
		RevokedReason: vals["revoked_reason"],
	}, nil
}

func (s *RedisStore) CompareAndRotate(ctx context.Context, expected *Family, adv Advance) (*Family, error) {
	res, err := rotateScript.Run(ctx, s.client,
		[]string{familyKey(expected.ID)},
		strconv.Itoa(expected.Rotation), expected.Nonce,
		adv.Nonce, millis(adv.At), millis(adv.ExpiresAt),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate family %s: %w", expected.ID, err)
	}

	switch res {
	case "ok":
	case "missing":
		return nil, xerrors.ErrNotFound
	case "revoked":
		return nil, xerrors.ErrRevoked
	case "conflict":
		return nil, xerrors.ErrConflict
	default:
		return nil, fmt.Errorf("unexpected rotate result %q", res)
	}

	if err := indexScript.Run(ctx, s.client, []string{subjectKey(expected.Subject)}, millis(adv.ExpiresAt), expected.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to index family %s: %w", expected.ID, err)
	}

	next := *expected
	next.Rotation++
	next.Nonce = adv.Nonce
	next.RotatedAt = adv.At
	next.ExpiresAt = adv.ExpiresAt
	return &next, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id, reason string) (bool, error) {
	n, err := revokeScript.Run(ctx, s.client, []string{familyKey(id)}, reason).Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke family %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) FamiliesOf(ctx context.Context, subject string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, subjectKey(subject), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list families of %s: %w", subject, err)
	}
	return ids, nil
}
