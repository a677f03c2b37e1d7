// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

const (
	// DefaultChallengeTTL bounds how long an issued challenge stays valid.
	DefaultChallengeTTL = 5 * time.Minute

	// ChallengeLength is the number of characters in a challenge token.
	ChallengeLength = 8

	challengeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// maxRedraws guards against a broken token source returning the same
	// value forever.
	maxRedraws = 16
)

// ChallengeStore holds the single pending admin challenge.
//
// There is exactly one slot shared by every caller: issuing overwrites any
// previous challenge and a successful Consume empties the slot.
type ChallengeStore interface {
	// Issue stores and returns a new challenge that differs from the one
	// currently pending, if any.
	Issue(ctx context.Context) (string, error)

	// Consume reports whether token matches the pending challenge. A match
	// removes the challenge so it cannot be presented again.
	Consume(ctx context.Context, token string) (bool, error)

	// Invalidate drops the pending challenge. It is not an error if none is pending.
	Invalidate(ctx context.Context) error
}

// TokenSource produces candidate challenge tokens.
type TokenSource func() (string, error)

// KVChallengeStore keeps the challenge in the key-value store under
// keyspace.ChallengeKey with a TTL.
type KVChallengeStore struct {
	store kv.Store
	ttl   time.Duration
	next  TokenSource
}

// ChallengeOption configures a KVChallengeStore.
type ChallengeOption func(*KVChallengeStore)

// WithChallengeTTL overrides DefaultChallengeTTL.
func WithChallengeTTL(ttl time.Duration) ChallengeOption {
	return func(s *KVChallengeStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTokenSource replaces the crypto/rand token generator.
func WithTokenSource(src TokenSource) ChallengeOption {
	return func(s *KVChallengeStore) {
		if src != nil {
			s.next = src
		}
	}
}

// NewKVChallengeStore creates a challenge store on top of store.
func NewKVChallengeStore(store kv.Store, opts ...ChallengeOption) *KVChallengeStore {
	s := &KVChallengeStore{
		store: store,
		ttl:   DefaultChallengeTTL,
		next:  RandomToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue implements ChallengeStore.
func (s *KVChallengeStore) Issue(ctx context.Context) (string, error) {
	current, err := s.current(ctx)
	if err != nil {
		return "", err
	}

	var token string
	for range maxRedraws {
		token, err = s.next()
		if err != nil {
			return "", fmt.Errorf("failed to generate challenge: %w", err)
		}
		if token != current {
			break
		}
	}
	if token == current {
		return "", errors.New("failed to generate a fresh challenge")
	}

	if err := s.store.Put(ctx, keyspace.ChallengeKey, []byte(token), s.ttl); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}
	return token, nil
}

// Consume implements ChallengeStore.
func (s *KVChallengeStore) Consume(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	current, err := s.current(ctx)
	if err != nil {
		return false, err
	}
	if current == "" || subtle.ConstantTimeCompare([]byte(current), []byte(token)) != 1 {
		return false, nil
	}

	if err := s.store.Delete(ctx, keyspace.ChallengeKey); err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return true, nil
}

// Invalidate implements ChallengeStore.
func (s *KVChallengeStore) Invalidate(ctx context.Context) error {
	if err := s.store.Delete(ctx, keyspace.ChallengeKey); err != nil {
		return fmt.Errorf("failed to invalidate challenge: %w", err)
	}
	return nil
}

func (s *KVChallengeStore) current(ctx context.Context) (string, error) {
	raw, err := s.store.Get(ctx, keyspace.ChallengeKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read challenge: %w", err)
	}
	return string(raw), nil
}

// RandomToken returns ChallengeLength characters drawn uniformly from
// [A-Za-z0-9] using crypto/rand.
func RandomToken() (string, error) {
	limit := big.NewInt(int64(len(challengeAlphabet)))
	buf := make([]byte, ChallengeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = challengeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

var _ ChallengeStore = (*KVChallengeStore)(nil)
