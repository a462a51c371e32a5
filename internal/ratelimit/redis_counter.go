package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

var _ httprate.LimitCounter = (*RedisCounter)(nil)

const redisTimeout = 500 * time.Millisecond

// RedisCounter is an httprate.LimitCounter whose window counts live in Redis,
// so every instance behind a load balancer sees the same totals.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{
		client: client,
		prefix: prefix,
		window: time.Minute,
	}
}

func (c *RedisCounter) Config(_ int, windowLength time.Duration) {
	c.window = windowLength
}

func (c *RedisCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *RedisCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	k := c.windowKey(key, currentWindow)
	pipe := c.client.TxPipeline()
	pipe.IncrBy(ctx, k, int64(amount))
	// the previous window is still read, so keep a key around for two windows
	pipe.Expire(ctx, k, 2*c.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return nil
}

func (c *RedisCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := c.client.MGet(ctx, c.windowKey(key, currentWindow), c.windowKey(key, previousWindow)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read rate limit counters: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, errors.New("unexpected rate limit counter reply")
	}

	curr, err := toCount(vals[0])
	if err != nil {
		return 0, 0, err
	}
	prev, err := toCount(vals[1])
	if err != nil {
		return 0, 0, err
	}

	return curr, prev, nil
}

func (c *RedisCounter) windowKey(key string, window time.Time) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, key, window.Unix())
}

func toCount(v any) (int, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid rate limit counter value %q: %w", val, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected rate limit counter type %T", v)
	}
}
