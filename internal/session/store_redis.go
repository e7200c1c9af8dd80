package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const sessionIndexKey = "sessions:index"

// Scripts touch only the session's own key so they run on a cluster; the
// id sets live in other slots and are written beside them.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'version', '1', 'data', ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return 1
`)

var updateScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return 'missing'
end
if v ~= ARGV[1] then
	return 'conflict'
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 'ok'
`)

// RedisStore keeps each session in a hash holding its version and JSON
// body, plus a global and a per-principal id set. The sets are written
// before the hash and may briefly list ids with no hash; those are pruned
// lazily like expired ones.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func sessionKey(id string) string          { return "session:" + id }
func principalKey(principal string) string { return "sessions:principal:" + principal }

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, sessionIndexKey, s.ID)
		pipe.SAdd(ctx, principalKey(s.Principal), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index session %s: %w", s.ID, err)
	}
	created, err := createScript.Run(ctx, r.client,
		[]string{sessionKey(s.ID)},
		string(data), s.retainUntil(r.retention).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: session %s exists", xerrors.ErrConflict, s.ID)
	}
	return nil
}

func (r *RedisStore) Update(ctx context.Context, s *Session, expected int64) error {
	next := *s
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	res, err := updateScript.Run(ctx, r.client,
		[]string{sessionKey(s.ID)},
		strconv.FormatInt(expected, 10), strconv.FormatInt(next.Version, 10),
		string(data), s.retainUntil(r.retention).UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	switch res {
	case "ok":
		s.Version = next.Version
		return nil
	case "missing":
		return xerrors.ErrNotFound
	case "conflict":
		return fmt.Errorf("%w: session %s changed concurrently", xerrors.ErrConflict, s.ID)
	default:
		return fmt.Errorf("unexpected update result %q", res)
	}
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.HGet(ctx, sessionKey(id), "data").Bytes()
	if err == redis.Nil {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) ListByPrincipal(ctx context.Context, principal string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, principalKey(principal)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s: %w", principal, err)
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, sessionKey(id), "data")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load sessions of %s: %w", principal, err)
	}

	out := make([]*Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", ids[i], err)
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session %s: %w", ids[i], err)
		}
		out = append(out, &s)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, principalKey(principal), stale...)
	}
	sortSessions(out)
	return out, nil
}

func (r *RedisStore) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	cmds := make([]*redis.IntCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check sessions: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			live = append(live, ids[i])
			continue
		}
		stale = append(stale, ids[i])
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, sessionIndexKey, stale...)
	}
	sort.Strings(live)
	return live, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err == xerrors.ErrNotFound {
		return r.client.SRem(ctx, sessionIndexKey, id).Err()
	}
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, sessionIndexKey, id)
		pipe.SRem(ctx, principalKey(s.Principal), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unindex session %s: %w", id, err)
	}
	return nil
}
