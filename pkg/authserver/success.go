// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ory/fosite"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// Extra claim names carried on issued sessions.
const (
	ClaimWorkspaceID = "workspace_id"
	ClaimEmail       = "email"
)

// SuccessHandler turns a provider login into an issuer session.
type SuccessHandler struct {
	resolver identity.Resolver
	store    kv.Store
	logger   *slog.Logger
}

// NewSuccessHandler creates a SuccessHandler. A nil logger uses slog.Default().
func NewSuccessHandler(resolver identity.Resolver, store kv.Store, logger *slog.Logger) *SuccessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuccessHandler{resolver: resolver, store: store, logger: logger}
}

// OnSuccess resolves the backend identity for result, records the
// session-identity mapping for its email, and returns the session to issue.
// Any failure aborts the login.
func (h *SuccessHandler) OnSuccess(ctx context.Context, result identity.ProviderResult) (*fosite.DefaultSession, error) {
	if h.resolver == nil {
		return nil, errors.New("identity resolver not configured")
	}

	ident, err := h.resolver.FindOrCreate(ctx, result)
	if err != nil {
		h.logger.Error("identity resolution failed",
			"provider", result.Provider,
			"error", err,
		)
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}

	email := NormalizeEmail(result.Email)
	if email != "" {
		if err := h.store.Put(ctx, keyspace.SubjectKey(email), []byte(ident.UserID), 0); err != nil {
			return nil, fmt.Errorf("failed to store subject mapping: %w", err)
		}
	}

	h.logger.Debug("login succeeded",
		"provider", result.Provider,
		"user_id", ident.UserID,
	)

	return &fosite.DefaultSession{
		Subject:  ident.UserID,
		Username: email,
		Extra: map[string]any{
			ClaimWorkspaceID: ident.WorkspaceID,
			ClaimEmail:       email,
		},
	}, nil
}
