// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kv provides the key-value capability every other component is built
// on, with in-memory, Redis and bbolt implementations.
//
// The interface mirrors what an edge key-value binding offers: point reads and
// writes with an optional TTL, idempotent deletes, and prefix listing with an
// opaque continuation cursor. There are no transactions and no secondary
// indexes; callers enumerate by key prefix.
package kv

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=kv.go Store

import (
	"context"
	"errors"
	"time"
)

// DefaultListLimit is the page size used when ListOptions.Limit is not set.
const DefaultListLimit = 1000

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// ListOptions controls a single List call.
type ListOptions struct {
	// Cursor continues a previous listing. Empty starts from the beginning.
	Cursor string

	// Limit bounds the number of keys returned. Zero means DefaultListLimit.
	// Backends may return fewer keys than the limit without being complete.
	Limit int
}

// ListResult is one page of keys.
type ListResult struct {
	// Keys holds the keys of this page.
	Keys []string

	// Cursor continues the listing when Complete is false.
	Cursor string

	// Complete reports that no keys remain after this page.
	Complete bool
}

// Store is the key-value capability.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key. A zero ttl means the record does not expire.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns one page of keys starting with prefix, in lexical order
	// where the backend supports it.
	List(ctx context.Context, prefix string, opts ListOptions) (*ListResult, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
