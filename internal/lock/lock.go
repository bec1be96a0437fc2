// Package lock serializes settlement decisions for the same order across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock is held by another holder")

// luaReleaseIfOwner deletes the key only while it still carries our token, so an
// expired lock re-taken by someone else is left alone.
const luaReleaseIfOwner = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Release gives the lock back.
type Release func(ctx context.Context) error

// Client is the subset of the go-redis client used by Redis.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *rd.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *rd.Cmd
}

// Redis is a single-instance lease lock (SET NX PX + compare-and-delete).
type Redis struct {
	client Client
	ttl    time.Duration
}

// NewRedis returns a lock whose keys expire after ttl.
func NewRedis(client Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Key returns the redis key guarding the settlement of an order.
func Key(orderID string) string {
	return fmt.Sprintf("buddiz:settle:lock:%s", orderID)
}

// Acquire takes the lock for orderID or fails fast with ErrNotAcquired.
func (l *Redis) Acquire(ctx context.Context, orderID string) (Release, error) {
	key := Key(orderID)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func(ctx context.Context) error {
		if err := l.client.Eval(ctx, luaReleaseIfOwner, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// Noop never contends. Used when no redis is configured.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
