// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// PasswordProviderName identifies the password provider in identity.ProviderResult.
const PasswordProviderName = "password"

// PasswordCost is the bcrypt cost of stored credentials.
const PasswordCost = 10

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

var (
	// ErrInvalidCredentials is returned when the email or password does not match.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrCredentialExists is returned when registering an email that already has a credential.
	ErrCredentialExists = errors.New("an account with this email already exists")
	// ErrInvalidEmail is returned for addresses that cannot be stored.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrWeakPassword is returned for passwords shorter than MinPasswordLength.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// PasswordProvider stores bcrypt credentials at keyspace.CredentialKey.
type PasswordProvider struct {
	store kv.Store
}

// NewPasswordProvider creates a PasswordProvider on store.
func NewPasswordProvider(store kv.Store) *PasswordProvider {
	return &PasswordProvider{store: store}
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Contains(email, keyspace.Delimiter) {
		return ErrInvalidEmail
	}
	return nil
}

// Register creates a credential for email.
func (p *PasswordProvider) Register(ctx context.Context, email, password string) (*identity.ProviderResult, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	key := keyspace.CredentialKey(email)
	_, err := p.store.Get(ctx, key)
	switch {
	case err == nil:
		return nil, ErrCredentialExists
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing credential: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := p.store.Put(ctx, key, hash, 0); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	return passwordResult(email), nil
}

// Authenticate verifies password against the stored credential for email.
func (p *PasswordProvider) Authenticate(ctx context.Context, email, password string) (*identity.ProviderResult, error) {
	email = NormalizeEmail(email)
	if validateEmail(email) != nil {
		return nil, ErrInvalidCredentials
	}

	hash, err := p.store.Get(ctx, keyspace.CredentialKey(email))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return passwordResult(email), nil
}

func passwordResult(email string) *identity.ProviderResult {
	return &identity.ProviderResult{
		Provider: PasswordProviderName,
		Subject:  email,
		Email:    email,
	}
}
