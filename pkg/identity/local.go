// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// LocalResolver stands in for the backend identity service during
// development. Each (provider, subject) pair gets its own user and
// workspace ids, stored under keyspace.IdentityKey.
type LocalResolver struct {
	store kv.Store
}

// NewLocalResolver creates a LocalResolver on store.
func NewLocalResolver(store kv.Store) *LocalResolver {
	return &LocalResolver{store: store}
}

// FindOrCreate implements Resolver.
//
// Two concurrent first logins for the same subject may both create an
// identity; the last write wins.
func (r *LocalResolver) FindOrCreate(ctx context.Context, result ProviderResult) (*Identity, error) {
	if err := validateResult(result); err != nil {
		return nil, err
	}

	key := keyspace.IdentityKey(result.Provider, result.Subject)
	raw, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("corrupt identity record %s: %w", key, err)
		}
		return &id, nil
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("failed to lookup provider identity: %w", err)
	}

	id := &Identity{
		UserID:      uuid.New().String(),
		WorkspaceID: uuid.New().String(),
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := r.store.Put(ctx, key, data, 0); err != nil {
		return nil, fmt.Errorf("failed to store identity: %w", err)
	}

	slog.InfoContext(ctx, "created new user with provider identity",
		"user_id", id.UserID,
		"provider", result.Provider,
	)
	return id, nil
}

var _ Resolver = (*LocalResolver)(nil)
