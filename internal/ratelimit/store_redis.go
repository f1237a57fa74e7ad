package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript does the reset-or-increment atomically server-side. Times are
// unix milliseconds; the key expires two windows after its last reset so
// idle entries clean themselves up.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ws = tonumber(redis.call('HGET', KEYS[1], 'ws') or '0')
if now - ws >= window then
  redis.call('HSET', KEYS[1], 'ws', now, 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window * 2)
  return {1, now}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {count, ws}
`)

// RedisStore shares windows across instances without touching Postgres on
// the hot path.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key, scope string, window time.Duration, now time.Time) (int64, time.Time, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", scope, key)
	raw, err := hitScript.Run(ctx, s.client, []string{redisKey},
		now.UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit hit: %w", err)
	}
	if len(raw) != 2 {
		return 0, time.Time{}, fmt.Errorf("rate limit hit: unexpected reply %v", raw)
	}

	count, ok1 := raw[0].(int64)
	wsMilli, ok2 := raw[1].(int64)
	if !ok1 || !ok2 {
		return 0, time.Time{}, fmt.Errorf("rate limit hit: unexpected reply types %T %T", raw[0], raw[1])
	}
	return count, time.UnixMilli(wsMilli).UTC(), nil
}
