// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
)

// RedisStore is the Redis-backed Store used in the standard deployment.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// OpenRedis connects to the Redis server named by url and verifies liveness.
func OpenRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")

	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStore wraps an existing client. Used by tests with miniredis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, logger: zerolog.Nop()}
}

// retry runs op, repeating once on transient failure. Invite validation and
// the attempt counters sit on the connection hot path; a single retry rides
// out momentary hiccups without hiding a dead backend.
func (s *RedisStore) retry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return err
	}
	s.logger.Warn().Err(err).Msg("redis operation failed, retrying once")
	return op()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.retry(ctx, func() error {
		v, err := s.client.Get(ctx, key).Result()
		val = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.retry(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, func() error {
		v, err := s.client.Incr(ctx, key).Result()
		n = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: ttl %s: %w", key, err)
	}
	if d < 0 {
		// -1 (no expiry) and -2 (no key) both map to "none".
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
