// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory store sweeps expired records.
const DefaultCleanupInterval = 5 * time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with an in-process map.
// It is safe for concurrent use and suitable for development and tests.
// Listing is in lexical key order and the cursor is the last key returned.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// maxPage caps the page size regardless of the requested limit,
	// the way a hosted store caps its list calls.
	maxPage int

	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithMaxPageSize caps the number of keys a single List call returns.
func WithMaxPageSize(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.maxPage = n
	}
}

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithClock replaces the time source used for TTL checks.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]memoryEntry),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	return slices.Clone(entry.value), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: slices.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string, opts ListOptions) (*ListResult, error) {
	limit := opts.limit()
	if s.maxPage > 0 && limit > s.maxPage {
		limit = s.maxPage
	}

	s.mu.RLock()
	now := s.now()
	var matching []string
	for k, v := range s.entries {
		if strings.HasPrefix(k, prefix) && k > opts.Cursor && !v.expired(now) {
			matching = append(matching, k)
		}
	}
	s.mu.RUnlock()

	slices.Sort(matching)

	result := &ListResult{Keys: matching, Complete: true}
	if len(matching) > limit {
		result.Keys = matching[:limit]
		result.Cursor = matching[limit-1]
		result.Complete = false
	}
	return result, nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, v := range s.entries {
		if !v.expired(now) {
			n++
		}
	}
	return n
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock, then deletes them
// under the write lock.
func (s *MemoryStore) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.entries {
		if v.expired(now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		if v, ok := s.entries[k]; ok && v.expired(now) {
			delete(s.entries, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
