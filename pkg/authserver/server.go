// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver is the OAuth 2.0 issuer: a fosite provider over the
// key-value store with an email and password login.
//
// Logins are resolved to backend identities through an identity.Resolver.
// Each login writes the email's session-identity mapping, and refresh
// sessions are stored per subject so the debug admin workflow can find and
// remove them.
package authserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// Server serves the issuer endpoints.
type Server struct {
	config    Config
	provider  fosite.OAuth2Provider
	storage   *Storage
	passwords *PasswordProvider
	success   *SuccessHandler
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates the issuer on store. cfg is copied and defaulted before validation.
func New(cfg Config, store kv.Store, resolver identity.Resolver, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if resolver == nil {
		return nil, errors.New("identity resolver is required")
	}

	cfg.Clients = append([]ClientConfig(nil), cfg.Clients...)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}

	clients, err := buildClients(cfg.Clients)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		storage:   NewStorage(store, clients...),
		passwords: NewPasswordProvider(store),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.storage.logger = s.logger
	s.success = NewSuccessHandler(resolver, store, s.logger)
	s.provider = newProvider(newFositeConfig(&s.config), s.storage)
	return s, nil
}

// Routes returns a router with the issuer endpoints registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get(AuthorizePath, s.AuthorizeHandler)
	r.Post(AuthorizePath, s.AuthorizeHandler)
	r.Post(TokenPath, s.TokenHandler)
	r.Post(RevokePath, s.RevokeHandler)
	r.Get(DiscoveryPath, s.DiscoveryHandler)
	return r
}
