package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payshield:ratelimit:"

// RedisStore keeps windowed counters in Redis so limits hold across
// multiple server instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

// takeScript checks and increments in one round trip so two instances
// racing on the same key cannot both slip under the limit. The TTL is only
// stamped when the key has none, so traffic inside a window never extends
// it.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

func (s *RedisStore) Take(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	admitted, err := takeScript.Run(ctx, s.client, []string{keyPrefix + key}, limit, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to update rate limit counter: %w", err)
	}
	return admitted == 1, nil
}

// Count returns the current count for key, or 0 when no window is active.
// Used for introspection in tests.
func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	return count, nil
}
