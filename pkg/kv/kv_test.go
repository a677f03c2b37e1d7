// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			t.Helper()
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"bolt": func(t *testing.T) Store {
			t.Helper()
			s, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "kv.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreWithClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// listAll pages through prefix until the store reports completion.
func listAll(t *testing.T, s Store, prefix string, limit int) ([]string, int) {
	t.Helper()
	var (
		keys   []string
		cursor string
		pages  int
	)
	for {
		res, err := s.List(context.Background(), prefix, ListOptions{Cursor: cursor, Limit: limit})
		require.NoError(t, err)
		pages++
		keys = append(keys, res.Keys...)
		if res.Complete {
			break
		}
		cursor = res.Cursor
		require.Less(t, pages, 10_000, "listing did not terminate")
	}
	sort.Strings(keys)
	return keys, pages
}

func TestStore_Conformance(t *testing.T) {
	t.Parallel()

	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			t.Run("get missing returns ErrNotFound", func(t *testing.T) {
				t.Parallel()
				s := newStore(t)
				_, err := s.Get(ctx, "nope")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put get delete", func(t *testing.T) {
				t.Parallel()
				s := newStore(t)
				require.NoError(t, s.Put(ctx, "email:a@x.com:password", []byte("h1"), 0))

				got, err := s.Get(ctx, "email:a@x.com:password")
				require.NoError(t, err)
				assert.Equal(t, []byte("h1"), got)

				require.NoError(t, s.Delete(ctx, "email:a@x.com:password"))
				_, err = s.Get(ctx, "email:a@x.com:password")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				t.Parallel()
				s := newStore(t)
				require.NoError(t, s.Delete(ctx, "never-written"))
			})

			t.Run("list filters by prefix", func(t *testing.T) {
				t.Parallel()
				s := newStore(t)
				for _, k := range []string{"email:a:password", "email:b:subject", "oauth:refresh:s:1", "emailx"} {
					require.NoError(t, s.Put(ctx, k, []byte("v"), 0))
				}
				keys, _ := listAll(t, s, "email:", 100)
				assert.Equal(t, []string{"email:a:password", "email:b:subject"}, keys)
			})

			t.Run("list pages through every key", func(t *testing.T) {
				t.Parallel()
				s := newStore(t)
				var want []string
				for i := range 25 {
					k := fmt.Sprintf("oauth:refresh:sub:%02d", i)
					want = append(want, k)
					require.NoError(t, s.Put(ctx, k, []byte("v"), 0))
				}
				keys, _ := listAll(t, s, "oauth:refresh:", 4)
				assert.Equal(t, want, keys)
			})

			t.Run("ping", func(t *testing.T) {
				t.Parallel()
				require.NoError(t, newStore(t).Ping(ctx))
			})
		})
	}
}

func TestMemoryStore_PageCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewMemoryStore(WithMaxPageSize(3))
	t.Cleanup(func() { _ = s.Close() })

	for i := range 10 {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("k:%02d", i), []byte("v"), 0))
	}

	first, err := s.List(ctx, "k:", ListOptions{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, first.Keys, 3)
	assert.False(t, first.Complete)
	assert.Equal(t, "k:02", first.Cursor)

	keys, pages := listAll(t, s, "k:", 1000)
	assert.Len(t, keys, 10)
	assert.Equal(t, 4, pages)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	s := NewMemoryStore(WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(ctx, "admin:challenge", []byte("abc"), time.Minute))
	require.NoError(t, s.Put(ctx, "admin:other", []byte("x"), 0))

	_, err := s.Get(ctx, "admin:challenge")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Get(ctx, "admin:challenge")
	require.ErrorIs(t, err, ErrNotFound)

	res, err := s.List(ctx, "admin:", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin:other"}, res.Keys)

	s.cleanupExpired()
	assert.Equal(t, 1, s.Len())
}

func TestBoltStore_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	s, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "ttl.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = clock.Now

	require.NoError(t, s.Put(ctx, "admin:challenge", []byte("abc"), time.Minute))
	got, err := s.Get(ctx, "admin:challenge")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	clock.Advance(2 * time.Minute)
	_, err = s.Get(ctx, "admin:challenge")
	require.ErrorIs(t, err, ErrNotFound)

	res, err := s.List(ctx, "admin:", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Keys)
	assert.True(t, res.Complete)
}

func TestBoltStore_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewBoltStore(BoltConfig{})
	require.Error(t, err)
}

func TestRedisStore_TTLAndPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "authworker:")
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(ctx, "admin:challenge", []byte("abc"), time.Minute))
	assert.True(t, mr.Exists("authworker:admin:challenge"), "keys are namespaced by the configured prefix")

	mr.FastForward(2 * time.Minute)
	_, err := s.Get(ctx, "admin:challenge")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_InvalidCursor(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.List(context.Background(), "email:", ListOptions{Cursor: "not-a-number"})
	require.Error(t, err)
}

func TestNewRedisStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.ErrorContains(t, err, "invalid redis configuration")

	_, err = NewRedisStore(context.Background(), RedisConfig{SentinelAddrs: []string{"127.0.0.1:26379"}})
	require.ErrorContains(t, err, "sentinel master name is required")
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `email:a\*b\?c\[d\]:`, escapeGlob("email:a*b?c[d]:"))
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(ctx, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = New(ctx, &Config{Type: TypeBolt, Bolt: BoltConfig{Path: filepath.Join(t.TempDir(), "f.db")}})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = New(ctx, &Config{Type: TypeRedis, Redis: RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(ctx, &Config{Type: "dynamo"})
	require.ErrorContains(t, err, "unsupported storage type")
}
