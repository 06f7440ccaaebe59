package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry increments KEYS[1] and starts its expiry on first use.
// Running both steps in one script makes the pair atomic on the server.
var incrWithExpiry = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisCounter is a Counter shared by every replica through Redis.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a counter over client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr implements Counter.
func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrWithExpiry.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return count, nil
}
