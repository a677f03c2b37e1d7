// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/admin"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/authserver"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// EnvPrefix prefixes environment overrides, e.g. AUTHWORKER_ISSUER_HMAC_SECRET.
const EnvPrefix = "AUTHWORKER"

// Defaults.
const (
	DefaultListen          = ":8080"
	DefaultShutdownTimeout = "15s"
)

// setDefaults registers every scalar key so environment overrides apply
// even when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("storage.type", string(kv.TypeMemory))
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.master_name", "")
	v.SetDefault("storage.redis.sentinel_addrs", []string{})
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "")
	v.SetDefault("storage.redis.dial_timeout", "0s")
	v.SetDefault("storage.redis.read_timeout", "0s")
	v.SetDefault("storage.redis.write_timeout", "0s")
	v.SetDefault("storage.bolt.path", "")

	v.SetDefault("issuer.url", "")
	v.SetDefault("issuer.hmac_secret", "")
	v.SetDefault("issuer.access_token_lifespan", authserver.DefaultAccessTokenLifespan.String())
	v.SetDefault("issuer.refresh_token_lifespan", authserver.DefaultRefreshTokenLifespan.String())
	v.SetDefault("issuer.auth_code_lifespan", authserver.DefaultAuthCodeLifespan.String())

	v.SetDefault("identity.mode", IdentityModeHTTP)
	v.SetDefault("identity.url", "")
	v.SetDefault("identity.timeout", identity.DefaultTimeout.String())
	v.SetDefault("identity.rate_limit", identity.DefaultRateLimit)
	v.SetDefault("identity.burst", identity.DefaultBurst)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.base_path", admin.DefaultBasePath)
	v.SetDefault("admin.challenge_ttl", admin.DefaultChallengeTTL.String())
	v.SetDefault("admin.page_size", admin.DefaultPageSize)
}

// NewViper returns a viper instance with defaults and environment
// overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration at path, which may be empty, and validates it.
func Load(path string) (*Config, error) {
	return LoadWithViper(NewViper(), path)
}

// LoadWithViper is Load on a caller-provided viper instance.
func LoadWithViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
