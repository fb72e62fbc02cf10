package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock is held by another owner")

var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker is a lease-based mutex shared by every replica using the same redis.
// A lease expires after ttl even if its holder never releases it.
type Locker struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewLocker(client goredis.Cmdable, cfg Config) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Locker{
		client: client,
		prefix: cfg.Key("lock", "operation"),
		ttl:    cfg.LockTTL,
		wait:   cfg.LockWait,
	}, nil
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + ":" + key
	token := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = l.wait

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("acquire lock %s: %w", lockKey, err))
		}
		if !ok {
			return ErrLockHeld
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
	}, nil
}
