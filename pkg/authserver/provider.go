// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"golang.org/x/crypto/bcrypt"
)

// Endpoint paths relative to the issuer.
const (
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	RevokePath    = "/revoke"
	DiscoveryPath = "/.well-known/oauth-authorization-server"
)

// newFositeConfig maps Config onto fosite's configuration.
func newFositeConfig(cfg *Config) *fosite.Config {
	return &fosite.Config{
		AccessTokenIssuer:           cfg.Issuer,
		AccessTokenLifespan:         cfg.AccessTokenLifespan,
		RefreshTokenLifespan:        cfg.RefreshTokenLifespan,
		AuthorizeCodeLifespan:       cfg.AuthCodeLifespan,
		GlobalSecret:                cfg.HMACSecret,
		TokenURL:                    cfg.Issuer + TokenPath,
		EnforcePKCEForPublicClients: true,
		HashCost:                    PasswordCost,
	}
}

// newProvider composes the authorization code, refresh, PKCE and revocation
// flows over opaque HMAC tokens.
func newProvider(config *fosite.Config, storage *Storage) fosite.OAuth2Provider {
	return compose.Compose(
		config,
		storage,
		&compose.CommonStrategy{CoreStrategy: compose.NewOAuth2HMACStrategy(config)},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenRevocationFactory,
	)
}

// buildClients converts client definitions to fosite clients. Secrets are
// bcrypt-hashed to match fosite's default secret hasher.
func buildClients(clients []ClientConfig) ([]fosite.Client, error) {
	out := make([]fosite.Client, 0, len(clients))
	for _, c := range clients {
		client := &fosite.DefaultClient{
			ID:            c.ID,
			RedirectURIs:  c.RedirectURIs,
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			Scopes:        c.Scopes,
			Public:        c.Public,
		}
		if !c.Public {
			hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), PasswordCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash secret for client %s: %w", c.ID, err)
			}
			client.Secret = hash
		}
		out = append(out, client)
	}
	return out, nil
}
