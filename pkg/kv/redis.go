// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is a single-node address (host:port). Ignored when SentinelAddrs is set.
	Addr string

	// MasterName and SentinelAddrs select a Sentinel-managed deployment.
	MasterName    string
	SentinelAddrs []string

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "authworker:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on Redis. Listing uses SCAN, so keys are not
// returned in lexical order.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if len(cfg.SentinelAddrs) > 0 {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.SentinelAddrs) > 0 {
		if cfg.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		return nil
	}
	if cfg.Addr == "" {
		return errors.New("redis address or sentinel addresses are required")
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return data, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// List implements Store. The cursor is a Redis SCAN cursor.
//
// SCAN's COUNT bounds how much of the keyspace one call examines, not how many
// keys match, so List keeps scanning until the page holds Limit keys or the
// iteration ends. A SCAN reply that would overflow a non-empty page is left for
// the next call, which restarts from the cursor that produced it; only a single
// reply larger than Limit yields an oversized page.
func (s *RedisStore) List(ctx context.Context, prefix string, opts ListOptions) (*ListResult, error) {
	var cursor uint64
	if opts.Cursor != "" {
		parsed, err := strconv.ParseUint(opts.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid list cursor %q: %w", opts.Cursor, err)
		}
		cursor = parsed
	}

	limit := opts.limit()
	match := escapeGlob(s.keyPrefix+prefix) + "*"
	result := &ListResult{Keys: make([]string, 0, min(limit, 64))}
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
		}
		if len(result.Keys) > 0 && len(result.Keys)+len(keys) > limit {
			result.Cursor = strconv.FormatUint(cursor, 10)
			return result, nil
		}
		for _, k := range keys {
			result.Keys = append(result.Keys, strings.TrimPrefix(k, s.keyPrefix))
		}

		cursor = next
		if cursor == 0 {
			result.Complete = true
			return result, nil
		}
		if len(result.Keys) >= limit {
			result.Cursor = strconv.FormatUint(cursor, 10)
			return result, nil
		}
	}
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax, so
// addresses containing them are matched literally.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

var _ Store = (*RedisStore)(nil)
