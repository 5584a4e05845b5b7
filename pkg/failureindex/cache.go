package failureindex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// VoteCache persists resolution vote tallies outside process memory, so
// feedback on a suggested resolution survives a restart and is shared
// across every taskforge instance pointed at the same failure history.
// Matcher falls back to its own in-memory map when none is attached.
type VoteCache interface {
	Incr(ctx context.Context, resolution string, helpful bool) error
	Get(ctx context.Context, resolution string) (helpful, total int, err error)
}

// RedisVoteCache stores two counters per resolution under a shared key
// prefix, incremented atomically with HINCRBY.
type RedisVoteCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisVoteCache wraps an existing client. prefix namespaces keys when
// the same Redis instance backs more than one taskforge deployment.
func NewRedisVoteCache(rdb *redis.Client, prefix string) *RedisVoteCache {
	if prefix == "" {
		prefix = "taskforge:failureindex:votes"
	}
	return &RedisVoteCache{rdb: rdb, prefix: prefix}
}

func (c *RedisVoteCache) key(resolution string) string {
	return fmt.Sprintf("%s:%s", c.prefix, resolution)
}

func (c *RedisVoteCache) Incr(ctx context.Context, resolution string, helpful bool) error {
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, c.key(resolution), "total", 1)
	if helpful {
		pipe.HIncrBy(ctx, c.key(resolution), "helpful", 1)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("incr vote for %q: %w", resolution, err)
	}
	return nil
}

func (c *RedisVoteCache) Get(ctx context.Context, resolution string) (int, int, error) {
	vals, err := c.rdb.HMGet(ctx, c.key(resolution), "helpful", "total").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("get votes for %q: %w", resolution, err)
	}
	toInt := func(v any) int {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		var n int
		_, _ = fmt.Sscanf(s, "%d", &n)
		return n
	}
	return toInt(vals[0]), toInt(vals[1]), nil
}

var _ VoteCache = (*RedisVoteCache)(nil)
