// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/logging"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

var testClient = &fosite.DefaultClient{
	ID:            "web",
	RedirectURIs:  []string{"https://app.example.com/callback"},
	ResponseTypes: []string{"code"},
	GrantTypes:    []string{"authorization_code", "refresh_token"},
	Scopes:        DefaultClientScopes,
}

func newTestStorage(t *testing.T) (*Storage, *kv.MemoryStore) {
	t.Helper()
	store := newMemoryStore(t)
	return NewStorage(store, testClient), store
}

func newTestRequest(id, subject string) *fosite.Request {
	return &fosite.Request{
		ID:             id,
		RequestedAt:    time.Now().UTC().Truncate(time.Second),
		Client:         testClient,
		RequestedScope: fosite.Arguments{"openid", "offline_access"},
		GrantedScope:   fosite.Arguments{"openid", "offline_access"},
		Form: url.Values{
			"scope":    {"openid offline_access"},
			"password": {"hunter2hunter2"},
			"email":    {"a@x.com"},
		},
		Session: &fosite.DefaultSession{
			Subject:  subject,
			Username: "a@x.com",
			ExpiresAt: map[fosite.TokenType]time.Time{
				fosite.AccessToken:   time.Now().Add(time.Hour),
				fosite.RefreshToken:  time.Now().Add(24 * time.Hour),
				fosite.AuthorizeCode: time.Now().Add(10 * time.Minute),
			},
		},
	}
}

func TestStorage_GetClient(t *testing.T) {
	t.Parallel()
	s, _ := newTestStorage(t)

	client, err := s.GetClient(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web", client.GetID())

	_, err = s.GetClient(context.Background(), "unknown")
	require.ErrorIs(t, err, fosite.ErrNotFound)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStorage_ClientAssertionJWT(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-1"))
	require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.ClientAssertionJWTValid(ctx, "jti-1"), fosite.ErrJTIKnown)

	require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-2", time.Now().Add(-time.Minute)))
	assert.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-2"), "expired assertions are not recorded")
}

func TestStorage_AuthorizeCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStorage(t)
	req := newTestRequest("req-1", "u-1")

	require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-sig", req))

	got, err := s.GetAuthorizeCodeSession(ctx, "code-sig", &fosite.DefaultSession{})
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())
	assert.Equal(t, "web", got.GetClient().GetID())
	assert.Equal(t, "u-1", got.GetSession().GetSubject())
	assert.Equal(t, fosite.Arguments{"openid", "offline_access"}, got.GetGrantedScopes())
	assert.Equal(t, "openid offline_access", got.GetRequestForm().Get("scope"))
	assert.Empty(t, got.GetRequestForm().Get("password"), "credentials are never persisted")
	assert.Empty(t, got.GetRequestForm().Get("email"))

	require.NoError(t, s.InvalidateAuthorizeCodeSession(ctx, "code-sig"))
	got, err = s.GetAuthorizeCodeSession(ctx, "code-sig", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
	require.NotNil(t, got, "an invalidated code still returns its request")
	assert.Equal(t, "req-1", got.GetID())

	_, err = s.GetAuthorizeCodeSession(ctx, "missing", &fosite.DefaultSession{})
	assert.ErrorIs(t, err, fosite.ErrNotFound)
	assert.ErrorIs(t, s.InvalidateAuthorizeCodeSession(ctx, "missing"), fosite.ErrNotFound)
}

func TestStorage_CreateRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStorage(t)
	req := newTestRequest("req-1", "u-1")

	assert.Error(t, s.CreateAuthorizeCodeSession(ctx, "", req))
	assert.Error(t, s.CreateAuthorizeCodeSession(ctx, "sig", nil))
	assert.Error(t, s.CreateAccessTokenSession(ctx, "", req))
	assert.Error(t, s.CreateRefreshTokenSession(ctx, "", "", req))
	assert.Error(t, s.CreatePKCERequestSession(ctx, "", req))
}

func TestStorage_AccessToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newTestStorage(t)

	require.NoError(t, s.CreateAccessTokenSession(ctx, "at-1", newTestRequest("req-1", "u-1")))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "at-2", newTestRequest("req-1", "u-1")))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "at-3", newTestRequest("req-2", "u-1")))

	got, err := s.GetAccessTokenSession(ctx, "at-1", &fosite.DefaultSession{})
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeleteAccessTokenSession(ctx, "at-1"))
	_, err = s.GetAccessTokenSession(ctx, "at-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAccessTokenSession(ctx, "at-1"), fosite.ErrNotFound)

	require.NoError(t, s.RevokeAccessToken(ctx, "req-1"))
	_, err = s.GetAccessTokenSession(ctx, "at-2", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "at-3", &fosite.DefaultSession{})
	require.NoError(t, err, "other grants are untouched")

	res, err := store.List(ctx, accessRequestPrefix("req-1"), kv.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Keys)
}

func TestStorage_RefreshTokenLayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newTestStorage(t)

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "at-1", newTestRequest("req-1", "u-1")))
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-2", "at-2", newTestRequest("req-2", "u-1")))

	res, err := store.List(ctx, keyspace.RefreshSubjectPrefix("u-1"), kv.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{keyspace.RefreshKey("u-1", "req-1"), keyspace.RefreshKey("u-1", "req-2")}, res.Keys)

	got, err := s.GetRefreshTokenSession(ctx, "rt-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.GetSession().GetSubject(), "a nil session decodes into a default session")

	err = s.CreateRefreshTokenSession(ctx, "rt-3", "", newTestRequest("req-3", ""))
	assert.ErrorIs(t, err, fosite.ErrInvalidRequest)
}

func TestStorage_RefreshRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newTestStorage(t)
	req := newTestRequest("req-1", "u-1")

	require.NoError(t, s.CreateAccessTokenSession(ctx, "at-1", req))
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "at-1", req))

	require.NoError(t, s.RotateRefreshToken(ctx, "req-1", "rt-1"))
	_, err := s.GetRefreshTokenSession(ctx, "rt-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "at-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-2", "at-2", req))
	_, err = s.GetRefreshTokenSession(ctx, "rt-2", &fosite.DefaultSession{})
	require.NoError(t, err)
	_, err = s.GetRefreshTokenSession(ctx, "rt-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound, "the superseded token stays dead")

	_, err = store.Get(ctx, keyspace.RefreshKey("u-1", "req-1"))
	require.NoError(t, err, "the grant keeps its key across rotation")
}

func TestStorage_RefreshSupersededSignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStorage(t)
	req := newTestRequest("req-1", "u-1")

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "", req))
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-2", "", req))

	_, err := s.GetRefreshTokenSession(ctx, "rt-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)

	require.NoError(t, s.DeleteRefreshTokenSession(ctx, "rt-1"))
	_, err = s.GetRefreshTokenSession(ctx, "rt-2", &fosite.DefaultSession{})
	require.NoError(t, err, "deleting a stale signature leaves the live session")

	require.NoError(t, s.DeleteRefreshTokenSession(ctx, "rt-2"))
	_, err = s.GetRefreshTokenSession(ctx, "rt-2", &fosite.DefaultSession{})
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStorage_RevokeRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newTestStorage(t)

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "", newTestRequest("req-1", "u-1")))
	require.NoError(t, s.RevokeRefreshTokenMaybeGracePeriod(ctx, "req-1", "rt-1"))

	_, err := s.GetRefreshTokenSession(ctx, "rt-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)
	assert.Zero(t, store.Len(), "record and both pointers are removed")

	assert.NoError(t, s.RevokeRefreshToken(ctx, "unknown"))
}

// failingDeleteStore fails deletions of keys under prefix.
type failingDeleteStore struct {
	kv.Store
	prefix string
}

func (f failingDeleteStore) Delete(ctx context.Context, key string) error {
	if strings.HasPrefix(key, f.prefix) {
		return errors.New("connection reset")
	}
	return f.Store.Delete(ctx, key)
}

func TestStorage_LeftoverPointersAreLogged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemoryStore(t)
	sigKey := keyspace.OAuthKey(kindRefreshSig, "rt-1")

	var logs bytes.Buffer
	s := NewStorage(failingDeleteStore{Store: mem, prefix: sigKey}, testClient)
	s.logger = logging.New(logging.WithOutput(&logs), logging.WithFormat(logging.FormatText), logging.WithLevel(slog.LevelDebug))

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "", newTestRequest("req-1", "u-1")))
	require.NoError(t, s.RotateRefreshToken(ctx, "req-1", "rt-1"), "pointer cleanup failures do not fail rotation")

	_, err := mem.Get(ctx, keyspace.RefreshKey("u-1", "req-1"))
	require.ErrorIs(t, err, kv.ErrNotFound, "the session itself is revoked")
	_, err = mem.Get(ctx, sigKey)
	require.NoError(t, err, "the pointer is left behind")

	assert.Contains(t, logs.String(), "failed to delete oauth record; left in place")
	assert.Contains(t, logs.String(), sigKey)
}

func TestStorage_RefreshRecordDeletedByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newTestStorage(t)

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "rt-1", "", newTestRequest("req-1", "u-1")))
	require.NoError(t, store.Delete(ctx, keyspace.RefreshKey("u-1", "req-1")))

	_, err := s.GetRefreshTokenSession(ctx, "rt-1", &fosite.DefaultSession{})
	require.ErrorIs(t, err, fosite.ErrNotFound)
	assert.NoError(t, s.RevokeRefreshToken(ctx, "req-1"))
}

func TestStorage_PKCE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.CreatePKCERequestSession(ctx, "pkce-sig", newTestRequest("req-1", "u-1")))
	got, err := s.GetPKCERequestSession(ctx, "pkce-sig", &fosite.DefaultSession{})
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeletePKCERequestSession(ctx, "pkce-sig"))
	_, err = s.GetPKCERequestSession(ctx, "pkce-sig", &fosite.DefaultSession{})
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}
