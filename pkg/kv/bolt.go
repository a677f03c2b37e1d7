// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BoltBucket is the bucket every record lives in.
	BoltBucket = "kv"

	// DefaultBoltOpenTimeout bounds how long Open waits for the file lock.
	DefaultBoltOpenTimeout = time.Second

	expiryHeaderLen = 8
)

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	// Path is the database file.
	Path string
}

// BoltStore implements Store on a single bbolt file. Each value is prefixed
// with an 8-byte big-endian expiry (unix nanoseconds, zero for none); expired
// records are hidden on read and removed when overwritten or deleted.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt path is required")
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: DefaultBoltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BoltBucket)); err != nil {
			return fmt.Errorf("create %s bucket: %w", BoltBucket, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func encodeBoltValue(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, expiryHeaderLen+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	}
	copy(buf[expiryHeaderLen:], value)
	return buf
}

// decodeBoltValue returns the payload and whether it is still live.
func decodeBoltValue(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < expiryHeaderLen {
		return nil, false
	}
	exp := binary.BigEndian.Uint64(raw[:expiryHeaderLen])
	if exp != 0 && now.UnixNano() > int64(exp) {
		return nil, false
	}
	return raw[expiryHeaderLen:], true
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(BoltBucket)).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, live := decodeBoltValue(raw, s.now())
		if !live {
			return ErrNotFound
		}
		// bbolt memory is only valid inside the transaction.
		out = bytes.Clone(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements Store.
func (s *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(BoltBucket)).Put([]byte(key), encodeBoltValue(value, expiresAt)); err != nil {
			return fmt.Errorf("failed to put %q: %w", key, err)
		}
		return nil
	})
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(BoltBucket)).Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}
		return nil
	})
}

// List implements Store. Keys come back in byte order; the cursor is the
// last key returned.
func (s *BoltStore) List(_ context.Context, prefix string, opts ListOptions) (*ListResult, error) {
	limit := opts.limit()
	pfx := []byte(prefix)
	result := &ListResult{Complete: true}

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BoltBucket)).Cursor()
		now := s.now()

		start := pfx
		if opts.Cursor != "" && opts.Cursor > prefix {
			start = []byte(opts.Cursor)
		}

		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			if opts.Cursor != "" && string(k) <= opts.Cursor {
				continue
			}
			if _, live := decodeBoltValue(v, now); !live {
				continue
			}
			if len(result.Keys) == limit {
				result.Complete = false
				result.Cursor = result.Keys[len(result.Keys)-1]
				return nil
			}
			result.Keys = append(result.Keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	return result, nil
}

// Ping verifies the database file is still readable.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(BoltBucket)) == nil {
			return fmt.Errorf("bucket %s missing", BoltBucket)
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
