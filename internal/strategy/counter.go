package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Counter hands out a monotonically increasing sequence per role, starting
// at zero. Implementations must be safe for concurrent use.
type Counter interface {
	Next(ctx context.Context, role string) (uint64, error)
}

// MemoryCounter keeps one atomic counter per role in process memory.
type MemoryCounter struct {
	counters sync.Map // role -> *atomic.Uint64
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Next returns the current value for role and advances it.
func (c *MemoryCounter) Next(_ context.Context, role string) (uint64, error) {
	v, _ := c.counters.LoadOrStore(role, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1) - 1, nil
}

// RedisCounter shares round-robin positions between processes with INCR.
// Keys have the form "{prefix}:rr:{role}".
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a Redis backed counter.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Next increments the role key and returns its previous value.
func (c *RedisCounter) Next(ctx context.Context, role string) (uint64, error) {
	n, err := c.client.Incr(ctx, c.key(role)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr round robin counter: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("redis round robin counter for %q returned %d", role, n)
	}
	return uint64(n - 1), nil
}

func (c *RedisCounter) key(role string) string {
	if c.prefix == "" {
		return "rr:" + role
	}
	return c.prefix + ":rr:" + role
}
