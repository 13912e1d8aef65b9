// Package redisstore wraps the Redis operations used by the shared result
// cache tier.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get reports ok=false for a missing key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

// Set stores val without expiry.
func (c *Client) Set(ctx context.Context, key string, val []byte) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, 0).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// Int reads an integer counter; a missing key reads as 0.
func (c *Client) Int(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.Incr(ctx, key).Result()
	observability.ObserveCacheOp("incr", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis INCR %q: %w", key, err)
	}
	return n, nil
}

// DelPrefix removes every key starting with prefix and returns how many were
// deleted. It walks the keyspace with SCAN so it never blocks the server.
func (c *Client) DelPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	deleted := 0
	batch := make([]string, 0, 256)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	iter := c.rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
	var err error
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err = flush(); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = iter.Err()
	}
	if err == nil {
		err = flush()
	}
	observability.ObserveCacheOp("del_prefix", err, time.Since(start).Seconds())
	if err != nil {
		return deleted, fmt.Errorf("redis delete prefix %q: %w", prefix, err)
	}
	return deleted, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
