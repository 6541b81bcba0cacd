package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jewelerp/internal/types"
)

// releaseScript deletes the lease only if it still carries the caller's
// owner token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisCmds is the subset of *redis.Client used by RedisLocker.
type redisCmds interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker implements Locker with SET NX PX leases. It is the fleet-wide
// lock for cmd/scheduler deployments that run several replicas.
type RedisLocker struct {
	client redisCmds
	prefix string
}

// NewRedisLocker creates a RedisLocker. Keys are prefixed with prefix.
func NewRedisLocker(client redisCmds, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, owner, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalLockUnavailable, "failed to acquire redis lease", err)
	}
	return ok, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.prefix + name}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.NewAppError(types.ErrCodeInternalLockUnavailable, "failed to release redis lease", err)
	}
	return nil
}
