package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chainops/chain-go/internal/platform/env"
)

type Config struct {
	URL         string
	Namespace   string
	LockTTL     time.Duration
	LockWait    time.Duration
	DialTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	lockTTL, err := env.Duration("CHAIN_LOCK_TTL", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	lockWait, err := env.Duration("CHAIN_LOCK_WAIT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:         strings.TrimSpace(env.String("REDIS_URL", "redis://localhost:6379/0")),
		Namespace:   strings.TrimSpace(env.String("REDIS_NAMESPACE", "chain")),
		LockTTL:     lockTTL,
		LockWait:    lockWait,
		DialTimeout: dialTimeout,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("REDIS_URL is required")
	}
	if _, err := goredis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("REDIS_URL is invalid: %w", err)
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("REDIS_NAMESPACE is required")
	}
	if c.LockTTL <= 0 {
		return errors.New("CHAIN_LOCK_TTL must be positive")
	}
	if c.LockWait <= 0 {
		return errors.New("CHAIN_LOCK_WAIT must be positive")
	}
	if c.DialTimeout <= 0 {
		return errors.New("REDIS_DIAL_TIMEOUT must be positive")
	}
	return nil
}

// Key joins parts under the configured namespace.
func (c Config) Key(parts ...string) string {
	return strings.Join(append([]string{c.Namespace}, parts...), ":")
}

func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Ping adapts a client to a readiness check.
func Ping(client goredis.Cmdable) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		return client.Ping(ctx).Err()
	}
}
