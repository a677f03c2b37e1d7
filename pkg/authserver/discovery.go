// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/ory/fosite"
)

// DiscoveryCacheMaxAge is the Cache-Control max-age of the metadata document in seconds.
const DiscoveryCacheMaxAge = 3600

// Metadata is the OAuth 2.0 Authorization Server Metadata document (RFC 8414).
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

func (s *Server) metadata() Metadata {
	issuer := s.config.Issuer

	var scopes []string
	for _, c := range s.config.Clients {
		for _, scope := range c.Scopes {
			if !slices.Contains(scopes, scope) {
				scopes = append(scopes, scope)
			}
		}
	}

	return Metadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + AuthorizePath,
		TokenEndpoint:          issuer + TokenPath,
		RevocationEndpoint:     issuer + RevokePath,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			string(fosite.GrantTypeAuthorizationCode),
			string(fosite.GrantTypeRefreshToken),
		},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ScopesSupported:                   scopes,
	}
}

// DiscoveryHandler handles GET /.well-known/oauth-authorization-server.
func (s *Server) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(s.metadata())
	if err != nil {
		s.logger.Error("failed to encode authorization server metadata", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
