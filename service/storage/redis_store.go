package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"PPAuth/tools/errs"
)

// key: <origin>:<key>
func prefixed(origin, key string) string { return origin + ":" + key }

var setMaxScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local v = tonumber(ARGV[1])
if cur ~= nil and cur >= v then
  return cur
end
redis.call('SET', KEYS[1], ARGV[1])
return v
`)

// RedisStore shares state between contexts that live in different
// processes. Keys are scoped by origin.
type RedisStore struct {
	rdb    redis.UniversalClient
	origin string
}

func NewRedisStore(rdb redis.UniversalClient, origin string) *RedisStore {
	return &RedisStore{rdb: rdb, origin: origin}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, prefixed(s.origin, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorage.WrapMsg("redis get", "key", key, "err", err.Error())
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, prefixed(s.origin, key), value, ttl).Err(); err != nil {
		return errs.ErrStorage.WrapMsg("redis set", "key", key, "err", err.Error())
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, prefixed(s.origin, key)).Err(); err != nil {
		return errs.ErrStorage.WrapMsg("redis del", "key", key, "err", err.Error())
	}
	return nil
}

func (s *RedisStore) SetMax(ctx context.Context, key string, v int64) (int64, error) {
	n, err := setMaxScript.Run(ctx, s.rdb, []string{prefixed(s.origin, key)}, v).Int64()
	if err != nil {
		return 0, errs.ErrStorage.WrapMsg("redis setmax", "key", key, "err", err.Error())
	}
	return n, nil
}
