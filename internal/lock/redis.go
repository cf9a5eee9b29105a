package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Deletes the key only when it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Addr   string
	TTL    time.Duration
	Poll   time.Duration
	Prefix string
}

// RedisLocker is a Locker shared by every process pointed at one Redis.
// Locks expire after TTL so a crashed holder cannot wedge a field.
type RedisLocker struct {
	rdb    goredis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "lock: ping redis %s", cfg.Addr)
	}
	return newRedisLocker(rdb, cfg), nil
}

func newRedisLocker(rdb goredis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 25 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "lock:"
	}
	return &RedisLocker{rdb: rdb, ttl: cfg.TTL, poll: cfg.Poll, prefix: cfg.Prefix}
}

// Acquire implements Locker.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	rkey := r.prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		err := r.rdb.SetArgs(ctx, rkey, token, goredis.SetArgs{Mode: "NX", TTL: r.ttl}).Err()
		if err == nil {
			break
		}
		if !errors.Is(err, goredis.Nil) {
			return nil, eris.Wrapf(err, "lock: set %s", rkey)
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "lock: acquire %s", key)
		case <-ticker.C:
		}
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.rdb, []string{rkey}, token).Int()
		if err != nil {
			return eris.Wrapf(err, "lock: release %s", rkey)
		}
		if n == 0 {
			zap.L().Warn("lock expired before release", zap.String("key", key))
			return ErrNotHeld
		}
		return nil
	}, nil
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}
