// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the authworker configuration from a YAML file,
// AUTHWORKER_* environment variables and built-in defaults.
package config

import (
	"time"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/authserver"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// Identity resolver modes.
const (
	IdentityModeLocal = "local"
	IdentityModeHTTP  = "http"
)

// Config is the complete process configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Issuer   IssuerConfig   `mapstructure:"issuer"`
	Identity IdentityConfig `mapstructure:"identity"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	// Type is one of "memory", "redis" or "bolt".
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
	Bolt  BoltConfig  `mapstructure:"bolt"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	MasterName    string        `mapstructure:"master_name"`
	SentinelAddrs []string      `mapstructure:"sentinel_addrs"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// IssuerConfig configures the OAuth issuer.
type IssuerConfig struct {
	URL string `mapstructure:"url"`
	// HMACSecret signs issued tokens. Must be at least 32 bytes.
	HMACSecret           string         `mapstructure:"hmac_secret"`
	AccessTokenLifespan  time.Duration  `mapstructure:"access_token_lifespan"`
	RefreshTokenLifespan time.Duration  `mapstructure:"refresh_token_lifespan"`
	AuthCodeLifespan     time.Duration  `mapstructure:"auth_code_lifespan"`
	Clients              []ClientConfig `mapstructure:"clients"`
}

// ClientConfig is a pre-registered OAuth client.
type ClientConfig struct {
	ID           string   `mapstructure:"id"`
	Secret       string   `mapstructure:"secret"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
	Scopes       []string `mapstructure:"scopes"`
	Public       bool     `mapstructure:"public"`
}

// IdentityConfig selects how logins are resolved to backend identities.
type IdentityConfig struct {
	// Mode is "http" for the backend identity service or "local" for the
	// KV-backed development resolver.
	Mode    string        `mapstructure:"mode"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit caps find-or-create calls per second; negative disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// AdminConfig configures the debug admin workflow.
type AdminConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BasePath     string        `mapstructure:"base_path"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
	PageSize     int           `mapstructure:"page_size"`
}

// KV returns the storage backend configuration.
func (c *Config) KV() *kv.Config {
	r := c.Storage.Redis
	return &kv.Config{
		Type: kv.Type(c.Storage.Type),
		Redis: kv.RedisConfig{
			Addr:          r.Addr,
			MasterName:    r.MasterName,
			SentinelAddrs: r.SentinelAddrs,
			Username:      r.Username,
			Password:      r.Password,
			DB:            r.DB,
			KeyPrefix:     r.KeyPrefix,
			DialTimeout:   r.DialTimeout,
			ReadTimeout:   r.ReadTimeout,
			WriteTimeout:  r.WriteTimeout,
		},
		Bolt: kv.BoltConfig{Path: c.Storage.Bolt.Path},
	}
}

// AuthServer returns the issuer configuration.
func (c *Config) AuthServer() authserver.Config {
	clients := make([]authserver.ClientConfig, 0, len(c.Issuer.Clients))
	for _, cl := range c.Issuer.Clients {
		clients = append(clients, authserver.ClientConfig{
			ID:           cl.ID,
			Secret:       cl.Secret,
			RedirectURIs: cl.RedirectURIs,
			Scopes:       cl.Scopes,
			Public:       cl.Public,
		})
	}
	return authserver.Config{
		Issuer:               c.Issuer.URL,
		HMACSecret:           []byte(c.Issuer.HMACSecret),
		AccessTokenLifespan:  c.Issuer.AccessTokenLifespan,
		RefreshTokenLifespan: c.Issuer.RefreshTokenLifespan,
		AuthCodeLifespan:     c.Issuer.AuthCodeLifespan,
		Clients:              clients,
	}
}
