package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindowLimiter counts hits per key in windows of a fixed length.
type FixedWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewFixedWindowLimiter(client *redis.Client, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{client: client, limit: limit, window: window, prefix: "rl:"}
}

func (l *FixedWindowLimiter) Limit() int {
	return l.limit
}

// Allow records one hit for key and reports whether it fits in the current window,
// how many hits remain, and when the window resets.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	if key == "" {
		key = "anonymous"
	}
	k := l.prefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return true, l.limit, 0, err
	}
	if count == 1 {
		l.client.Expire(ctx, k, l.window)
	}

	ttl, _ := l.client.TTL(ctx, k).Result()
	if ttl < 0 {
		ttl = 0
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(l.limit), remaining, ttl, nil
}
