package nda

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const throttleKeyPrefix = "nda:otp:"

// RedisThrottle is a fixed-window throttle shared across instances. The
// counter key expires with the window, so a stuck key cannot lock a signer
// out forever.
type RedisThrottle struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisThrottle(client *redis.Client, limit int, window time.Duration) *RedisThrottle {
	return &RedisThrottle{client: client, limit: limit, window: window}
}

func (t *RedisThrottle) Allow(ctx context.Context, key string) (bool, error) {
	counterKey := throttleKeyPrefix + key

	count, err := t.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return false, fmt.Errorf("nda: throttle incr: %w", err)
	}
	if count == 1 {
		if err := t.client.Expire(ctx, counterKey, t.window).Err(); err != nil {
			return false, fmt.Errorf("nda: throttle expire: %w", err)
		}
	}
	return count <= int64(t.limit), nil
}
