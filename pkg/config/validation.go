// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// Error message templates for consistent error formatting
const (
	errInvalidStorage  = "invalid storage configuration: %w"
	errInvalidIssuer   = "invalid issuer configuration: %w"
	errInvalidIdentity = "invalid identity configuration: %w"
	errInvalidAdmin    = "invalid admin configuration: %w"
)

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout cannot be negative")
	}
	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf(errInvalidStorage, err)
	}
	issuer := c.AuthServer()
	if err := issuer.Validate(); err != nil {
		return fmt.Errorf(errInvalidIssuer, err)
	}
	if err := c.Identity.validate(); err != nil {
		return fmt.Errorf(errInvalidIdentity, err)
	}
	if err := c.Admin.validate(); err != nil {
		return fmt.Errorf(errInvalidAdmin, err)
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch kv.Type(s.Type) {
	case kv.TypeMemory, "":
		return nil
	case kv.TypeRedis:
		if s.Redis.Addr == "" && len(s.Redis.SentinelAddrs) == 0 {
			return errors.New("redis requires addr or sentinel_addrs")
		}
		if len(s.Redis.SentinelAddrs) > 0 && s.Redis.MasterName == "" {
			return errors.New("redis sentinel requires master_name")
		}
		return nil
	case kv.TypeBolt:
		if s.Bolt.Path == "" {
			return errors.New("bolt requires path")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

func (i *IdentityConfig) validate() error {
	switch i.Mode {
	case IdentityModeLocal:
		return nil
	case IdentityModeHTTP:
		if i.URL == "" {
			return errors.New("url is required in http mode")
		}
		u, err := neturl.Parse(i.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("url must be an absolute URL, got %q", i.URL)
		}
		if i.Timeout < 0 {
			return errors.New("timeout cannot be negative")
		}
		if i.Burst < 0 {
			return errors.New("burst cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("unsupported identity mode: %s", i.Mode)
	}
}

func (a *AdminConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if !strings.HasPrefix(a.BasePath, "/") || a.BasePath == "/" || strings.HasSuffix(a.BasePath, "/") {
		return fmt.Errorf("base_path must start with / and must not end with /, got %q", a.BasePath)
	}
	if a.ChallengeTTL <= 0 {
		return errors.New("challenge_ttl must be positive")
	}
	if a.PageSize <= 0 {
		return errors.New("page_size must be positive")
	}
	return nil
}
