// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity maps a provider authentication result to the backend
// user and workspace it belongs to, creating them on first sight.
package identity

import (
	"context"
	"errors"
)

// ProviderResult is the raw outcome of a successful provider login. It is
// forwarded to the backend as-is.
type ProviderResult struct {
	// Provider names the authentication provider, e.g. "password".
	Provider string `json:"provider"`
	// Subject is the provider's identifier for the user.
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	// Claims carries any additional provider attributes.
	Claims map[string]any `json:"claims,omitempty"`
}

// Identity is the backend's answer to a find-or-create call.
type Identity struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Resolver finds or creates the backend identity for a provider result.
//
//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=identity.go Resolver
type Resolver interface {
	FindOrCreate(ctx context.Context, result ProviderResult) (*Identity, error)
}

// ErrEmptyUserID is returned when the backend answers without a user id.
var ErrEmptyUserID = errors.New("identity service returned an empty userId")

func validateResult(result ProviderResult) error {
	if result.Provider == "" {
		return errors.New("provider cannot be empty")
	}
	if result.Subject == "" {
		return errors.New("provider subject cannot be empty")
	}
	return nil
}
