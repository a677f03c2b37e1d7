// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"log/slog"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server or Sentinel deployment.
	TypeRedis Type = "redis"

	// TypeBolt uses a local bbolt database file.
	TypeBolt Type = "bolt"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	Redis RedisConfig
	Bolt  BoltConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// New creates the Store described by cfg.
func New(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case TypeMemory, "":
		slog.Debug("using in-memory key-value store")
		return NewMemoryStore(), nil
	case TypeRedis:
		slog.Debug("using redis key-value store", "addr", cfg.Redis.Addr, "sentinels", len(cfg.Redis.SentinelAddrs))
		return NewRedisStore(ctx, cfg.Redis)
	case TypeBolt:
		slog.Debug("using bolt key-value store", "path", cfg.Bolt.Path)
		return NewBoltStore(cfg.Bolt)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
