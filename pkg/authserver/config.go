// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MinSecretLength is the minimum length of the HMAC secret in bytes.
const MinSecretLength = 32

// Default token lifespans.
const (
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 30 * 24 * time.Hour
	DefaultAuthCodeLifespan     = 10 * time.Minute
)

// Config configures the issuer. All values must be fully resolved.
type Config struct {
	// Issuer is the public base URL of the issuer, without a trailing slash.
	Issuer string

	// HMACSecret signs authorization codes, access tokens and refresh tokens.
	// Must be at least MinSecretLength bytes and identical across replicas.
	HMACSecret []byte

	AccessTokenLifespan  time.Duration
	RefreshTokenLifespan time.Duration
	AuthCodeLifespan     time.Duration

	// Clients are the pre-registered OAuth clients.
	Clients []ClientConfig
}

// ClientConfig defines a pre-registered OAuth client.
type ClientConfig struct {
	ID string
	// Secret is the plain client secret; empty for public clients.
	Secret       string
	RedirectURIs []string
	// Scopes the client may request. Defaults to "openid", "profile", "email" and "offline_access".
	Scopes []string
	Public bool
}

// DefaultClientScopes are granted to clients that do not list their own.
var DefaultClientScopes = []string{"openid", "profile", "email", "offline_access"}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if len(c.HMACSecret) < MinSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Clients) == 0 {
		return errors.New("at least one client is required")
	}

	seen := make(map[string]struct{}, len(c.Clients))
	for i := range c.Clients {
		client := &c.Clients[i]
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if _, dup := seen[client.ID]; dup {
			return fmt.Errorf("client %d: duplicate client id %q", i, client.ID)
		}
		seen[client.ID] = struct{}{}
	}
	return nil
}

// Validate checks that the ClientConfig is usable.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect_uri is required")
	}
	for _, uri := range c.RedirectURIs {
		if _, err := url.ParseRequestURI(uri); err != nil {
			return fmt.Errorf("invalid redirect_uri %q: %w", uri, err)
		}
	}
	if !c.Public && c.Secret == "" {
		return errors.New("secret is required for confidential clients")
	}
	if c.Public && c.Secret != "" {
		return errors.New("public clients must not have a secret")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	for i := range c.Clients {
		if len(c.Clients[i].Scopes) == 0 {
			c.Clients[i].Scopes = DefaultClientScopes
		}
	}
}
