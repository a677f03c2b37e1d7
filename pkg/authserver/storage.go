// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

// Key kinds under keyspace.OAuthPrefix owned by Storage.
const (
	kindAuthCode      = "code"
	kindInvalidCode   = "code-invalid"
	kindAccess        = "access"
	kindAccessRequest = "access-request"
	kindPKCE          = "pkce"
	kindRefreshSig    = "refresh-signature"
	kindRefreshReq    = "refresh-request"
	kindJTI           = "jti"
)

// DefaultInvalidatedCodeTTL keeps used authorization codes around long
// enough to detect replay.
const DefaultInvalidatedCodeTTL = 30 * time.Minute

// Storage implements fosite's storage interfaces on a kv.Store.
//
// Refresh sessions are written to keyspace.RefreshKey(subject, requestID)
// so every session of a subject can be enumerated by prefix. Two pointer
// records resolve a refresh token signature and a request id to that key.
// Access tokens carry an index record per request id for revocation.
//
// Clients are static and held in memory.
type Storage struct {
	store   kv.Store
	clients map[string]fosite.Client
	now     func() time.Time
	logger  *slog.Logger
}

// NewStorage creates a Storage on store with the given clients.
func NewStorage(store kv.Store, clients ...fosite.Client) *Storage {
	s := &Storage{
		store:   store,
		clients: make(map[string]fosite.Client, len(clients)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, c := range clients {
		s.clients[c.GetID()] = c
	}
	return s
}

// deleteLeftover removes a pointer or index record whose deletion does not
// decide the outcome of the calling operation. Failures leave the record in
// place and are logged with its key.
func (s *Storage) deleteLeftover(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete oauth record; left in place", "key", key, "error", err)
	}
}

func notFound(hint string) error {
	return fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint(hint))
}

// ttlFor returns how long a record should live given the session expiry
// for tokenType, falling back to def.
func (s *Storage) ttlFor(request fosite.Requester, tokenType fosite.TokenType, def time.Duration) time.Duration {
	if request == nil || request.GetSession() == nil {
		return def
	}
	exp := request.GetSession().GetExpiresAt(tokenType)
	if exp.IsZero() {
		return def
	}
	ttl := exp.Sub(s.now())
	if ttl <= 0 {
		return def
	}
	return ttl
}

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient loads the client by its ID.
func (s *Storage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		s.logger.Debug("client not found", "client_id", id)
		return nil, notFound("Client not found")
	}
	return client, nil
}

// ClientAssertionJWTValid returns fosite.ErrJTIKnown if the JTI was seen before.
func (s *Storage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	_, err := s.store.Get(ctx, keyspace.OAuthKey(kindJTI, jti))
	switch {
	case err == nil:
		return fosite.ErrJTIKnown
	case errors.Is(err, kv.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check jti: %w", err)
	}
}

// SetClientAssertionJWT records a JTI until exp.
func (s *Storage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := exp.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.store.Put(ctx, keyspace.OAuthKey(kindJTI, jti), []byte("1"), ttl)
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the authorization request for a code.
func (s *Storage) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := s.ttlFor(request, fosite.AuthorizeCode, DefaultAuthCodeLifespan)
	return s.store.Put(ctx, keyspace.OAuthKey(kindAuthCode, code), data, ttl)
}

// GetAuthorizeCodeSession returns the request for code. A used code comes
// back together with fosite.ErrInvalidatedAuthorizeCode.
func (s *Storage) GetAuthorizeCodeSession(ctx context.Context, code string, session fosite.Session) (fosite.Requester, error) {
	data, err := s.store.Get(ctx, keyspace.OAuthKey(kindAuthCode, code))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("Authorization code not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	request, err := s.unmarshalRequester(ctx, data, session)
	if err != nil {
		return nil, err
	}

	_, err = s.store.Get(ctx, keyspace.OAuthKey(kindInvalidCode, code))
	switch {
	case err == nil:
		return request, fosite.ErrInvalidatedAuthorizeCode
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("failed to check invalidation status: %w", err)
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession marks a code as used.
func (s *Storage) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	if _, err := s.store.Get(ctx, keyspace.OAuthKey(kindAuthCode, code)); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return notFound("Authorization code not found")
		}
		return fmt.Errorf("failed to get authorization code: %w", err)
	}
	return s.store.Put(ctx, keyspace.OAuthKey(kindInvalidCode, code), []byte("1"), DefaultInvalidatedCodeTTL)
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

func accessRequestPrefix(requestID string) string {
	return keyspace.OAuthKey(kindAccessRequest, requestID) + keyspace.Delimiter
}

// CreateAccessTokenSession stores an access token session.
func (s *Storage) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := s.ttlFor(request, fosite.AccessToken, DefaultAccessTokenLifespan)

	key := keyspace.OAuthKey(kindAccess, signature)
	if err := s.store.Put(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.store.Put(ctx, accessRequestPrefix(request.GetID())+signature, nil, ttl); err != nil {
		s.deleteLeftover(ctx, key)
		return fmt.Errorf("failed to index access token: %w", err)
	}
	return nil
}

// GetAccessTokenSession returns the access token session for signature.
func (s *Storage) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	data, err := s.store.Get(ctx, keyspace.OAuthKey(kindAccess, signature))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("Access token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return s.unmarshalRequester(ctx, data, session)
}

// DeleteAccessTokenSession removes an access token session.
func (s *Storage) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	key := keyspace.OAuthKey(kindAccess, signature)
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return notFound("Access token not found")
	}
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	var stored storedRequest
	if json.Unmarshal(data, &stored) == nil && stored.ID != "" {
		s.deleteLeftover(ctx, accessRequestPrefix(stored.ID)+signature)
	}
	return nil
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession writes the refresh session of request to
// keyspace.RefreshKey(subject, requestID), replacing any earlier token of
// the same grant.
func (s *Storage) CreateRefreshTokenSession(
	ctx context.Context, signature string, accessSignature string, request fosite.Requester,
) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}
	if request.GetSession() == nil || request.GetSession().GetSubject() == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token session requires a subject")
	}

	stored, err := toStoredRequest(request)
	if err != nil {
		return err
	}
	data, err := json.Marshal(storedRefresh{
		Signature:       signature,
		AccessSignature: accessSignature,
		Request:         stored,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh session: %w", err)
	}

	ttl := s.ttlFor(request, fosite.RefreshToken, DefaultRefreshTokenLifespan)
	recordKey := keyspace.RefreshKey(request.GetSession().GetSubject(), request.GetID())

	if err := s.store.Put(ctx, recordKey, data, ttl); err != nil {
		return fmt.Errorf("failed to store refresh session: %w", err)
	}
	pointers := []string{
		keyspace.OAuthKey(kindRefreshSig, signature),
		keyspace.OAuthKey(kindRefreshReq, request.GetID()),
	}
	for _, ptr := range pointers {
		if err := s.store.Put(ctx, ptr, []byte(recordKey), ttl); err != nil {
			s.deleteLeftover(ctx, recordKey)
			return fmt.Errorf("failed to index refresh session: %w", err)
		}
	}
	return nil
}

// loadRefresh follows a pointer record to the refresh session it names.
func (s *Storage) loadRefresh(ctx context.Context, pointerKey string) (string, *storedRefresh, error) {
	recordKey, err := s.store.Get(ctx, pointerKey)
	if err != nil {
		return "", nil, err
	}
	data, err := s.store.Get(ctx, string(recordKey))
	if err != nil {
		return string(recordKey), nil, err
	}
	var record storedRefresh
	if err := json.Unmarshal(data, &record); err != nil {
		return string(recordKey), nil, fmt.Errorf("corrupt refresh session %s: %w", recordKey, err)
	}
	return string(recordKey), &record, nil
}

// GetRefreshTokenSession returns the refresh session for signature. A
// signature superseded by rotation, or whose session was deleted, is not found.
func (s *Storage) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	_, record, err := s.loadRefresh(ctx, keyspace.OAuthKey(kindRefreshSig, signature))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("Refresh token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if record.Signature != signature {
		return nil, notFound("Refresh token not found")
	}
	return s.fromStoredRequest(ctx, record.Request, session)
}

// DeleteRefreshTokenSession removes the refresh session for signature.
func (s *Storage) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	sigKey := keyspace.OAuthKey(kindRefreshSig, signature)
	recordKey, record, err := s.loadRefresh(ctx, sigKey)
	if errors.Is(err, kv.ErrNotFound) {
		s.deleteLeftover(ctx, sigKey)
		return notFound("Refresh token not found")
	}
	if err != nil {
		return fmt.Errorf("failed to get refresh token: %w", err)
	}

	if err := s.store.Delete(ctx, sigKey); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if record.Signature != signature {
		return nil
	}
	if err := s.store.Delete(ctx, recordKey); err != nil {
		return fmt.Errorf("failed to delete refresh session: %w", err)
	}
	s.deleteLeftover(ctx, keyspace.OAuthKey(kindRefreshReq, record.Request.ID))
	return nil
}

// RotateRefreshToken invalidates the refresh token and the access tokens of
// requestID ahead of a new pair being issued for the same grant.
func (s *Storage) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	s.deleteLeftover(ctx, keyspace.OAuthKey(kindRefreshSig, refreshTokenSignature))
	if err := s.RevokeRefreshToken(ctx, requestID); err != nil {
		return err
	}
	return s.RevokeAccessToken(ctx, requestID)
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeRefreshToken deletes the refresh session of requestID.
func (s *Storage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	reqKey := keyspace.OAuthKey(kindRefreshReq, requestID)
	recordKey, record, err := s.loadRefresh(ctx, reqKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		s.deleteLeftover(ctx, reqKey)
		return nil
	case err != nil && recordKey == "":
		return fmt.Errorf("failed to look up refresh session: %w", err)
	}

	if recordKey != "" {
		if err := s.store.Delete(ctx, recordKey); err != nil {
			return fmt.Errorf("failed to revoke refresh session: %w", err)
		}
	}
	if record != nil {
		s.deleteLeftover(ctx, keyspace.OAuthKey(kindRefreshSig, record.Signature))
	}
	s.deleteLeftover(ctx, reqKey)
	return nil
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; no grace period is supported.
func (s *Storage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// RevokeAccessToken deletes every access token issued for requestID.
func (s *Storage) RevokeAccessToken(ctx context.Context, requestID string) error {
	prefix := accessRequestPrefix(requestID)
	var cursor string
	for {
		res, err := s.store.List(ctx, prefix, kv.ListOptions{Cursor: cursor})
		if err != nil {
			return fmt.Errorf("failed to list access tokens: %w", err)
		}
		for _, indexKey := range res.Keys {
			signature := strings.TrimPrefix(indexKey, prefix)
			if err := s.store.Delete(ctx, keyspace.OAuthKey(kindAccess, signature)); err != nil {
				return fmt.Errorf("failed to revoke access token: %w", err)
			}
			s.deleteLeftover(ctx, indexKey)
		}
		if res.Complete {
			return nil
		}
		cursor = res.Cursor
	}
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the PKCE request for a code signature.
func (s *Storage) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}
	data, err := marshalRequester(request)
	if err != nil {
		return err
	}
	ttl := s.ttlFor(request, fosite.AuthorizeCode, DefaultAuthCodeLifespan)
	return s.store.Put(ctx, keyspace.OAuthKey(kindPKCE, signature), data, ttl)
}

// GetPKCERequestSession returns the PKCE request for a code signature.
func (s *Storage) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	data, err := s.store.Get(ctx, keyspace.OAuthKey(kindPKCE, signature))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("PKCE request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get PKCE request: %w", err)
	}
	return s.unmarshalRequester(ctx, data, session)
}

// DeletePKCERequestSession removes the PKCE request for a code signature.
func (s *Storage) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.store.Delete(ctx, keyspace.OAuthKey(kindPKCE, signature))
}

var (
	_ fosite.Storage                = (*Storage)(nil)
	_ oauth2.AuthorizeCodeStorage   = (*Storage)(nil)
	_ oauth2.AccessTokenStorage     = (*Storage)(nil)
	_ oauth2.RefreshTokenStorage    = (*Storage)(nil)
	_ oauth2.TokenRevocationStorage = (*Storage)(nil)
	_ pkce.PKCERequestStorage       = (*Storage)(nil)
)
