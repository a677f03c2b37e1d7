// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/admin"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

const (
	testRedirectURI = "https://app.example.com/callback"
	testState       = "state-12345678"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var redirectCodes = []int{http.StatusFound, http.StatusSeeOther}

type issuerFixture struct {
	store   *kv.MemoryStore
	handler http.Handler
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	store := newMemoryStore(t)

	cfg := validConfig()
	cfg.Clients = append(cfg.Clients, ClientConfig{
		ID:           "cli",
		RedirectURIs: []string{"http://127.0.0.1/callback"},
		Public:       true,
	})
	srv, err := New(cfg, store, identity.NewLocalResolver(store))
	require.NoError(t, err)
	return &issuerFixture{store: store, handler: srv.Routes()}
}

func (f *issuerFixture) do(t *testing.T, method, target string, form url.Values, basicAuth ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if method == http.MethodPost {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target+"?"+form.Encode(), nil)
	}
	if len(basicAuth) == 2 {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *issuerFixture) refreshKeys(t *testing.T, subject string) []string {
	t.Helper()
	res, err := f.store.List(context.Background(), keyspace.RefreshSubjectPrefix(subject), kv.ListOptions{})
	require.NoError(t, err)
	return res.Keys
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeParams() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"web"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid offline_access"},
		"state":                 {testState},
		"code_challenge":        {s256(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func withLogin(params url.Values, action, email, password string) url.Values {
	out := url.Values{}
	for k, v := range params {
		out[k] = v
	}
	out.Set("action", action)
	out.Set("email", email)
	out.Set("password", password)
	return out
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tokens tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	return tokens
}

// login registers or authenticates a@x.com and exchanges the code.
func (f *issuerFixture) login(t *testing.T, action string) tokenResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/authorize", withLogin(authorizeParams(), action, "a@x.com", "hunter2hunter2"))
	require.Contains(t, redirectCodes, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, testState, location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	rec = f.do(t, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}, "web", "web-secret")
	return decodeTokens(t, rec)
}

func (f *issuerFixture) subject(t *testing.T, email string) string {
	t.Helper()
	raw, err := f.store.Get(context.Background(), keyspace.SubjectKey(email))
	require.NoError(t, err)
	return string(raw)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	store := newMemoryStore(t)
	resolver := identity.NewLocalResolver(store)

	_, err := New(validConfig(), nil, resolver)
	require.Error(t, err)

	_, err = New(validConfig(), store, nil)
	require.Error(t, err)

	cfg := validConfig()
	cfg.HMACSecret = nil
	_, err = New(cfg, store, resolver)
	require.ErrorContains(t, err, "invalid issuer config")
}

func TestAuthorizeHandler_ShowsLoginForm(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	rec := f.do(t, http.MethodGet, "/authorize", authorizeParams())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, "Sign in to web")
	assert.Contains(t, body, `name="state" value="state-12345678"`)
	assert.Contains(t, body, `name="client_id" value="web"`)
	assert.Contains(t, body, `action="https://auth.example.com/authorize"`)
}

func TestAuthorizeHandler_InvalidClient(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	params := authorizeParams()
	params.Set("client_id", "unknown")
	rec := f.do(t, http.MethodGet, "/authorize", params)
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
	assert.NotContains(t, rec.Body.String(), "Sign in to")
}

func TestAuthorizeHandler_LoginErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      bool
		action     string
		email      string
		password   string
		wantStatus int
		wantBody   string
	}{
		{
			name:   "unknown user",
			action: ActionLogin, email: "a@x.com", password: "hunter2hunter2",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid email or password",
		},
		{
			name:  "wrong password",
			setup: true, action: ActionLogin, email: "a@x.com", password: "wrong-password",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid email or password",
		},
		{
			name:  "duplicate registration",
			setup: true, action: ActionRegister, email: "A@x.com", password: "hunter2hunter2",
			wantStatus: http.StatusConflict,
			wantBody:   "already exists",
		},
		{
			name:   "weak password",
			action: ActionRegister, email: "a@x.com", password: "short",
			wantStatus: http.StatusBadRequest,
			wantBody:   "password must be at least",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newIssuerFixture(t)
			if tt.setup {
				_, err := NewPasswordProvider(f.store).Register(context.Background(), "a@x.com", "hunter2hunter2")
				require.NoError(t, err)
			}

			rec := f.do(t, http.MethodPost, "/authorize", withLogin(authorizeParams(), tt.action, tt.email, tt.password))
			require.Equal(t, tt.wantStatus, rec.Code)
			body := rec.Body.String()
			assert.Contains(t, body, tt.wantBody)
			assert.Contains(t, body, `name="state" value="state-12345678"`, "the form keeps the authorization request")
			assert.NotContains(t, body, tt.password)

			_, err := f.store.Get(context.Background(), keyspace.SubjectKey("a@x.com"))
			assert.ErrorIs(t, err, kv.ErrNotFound)
		})
	}
}

func TestIssuerFlow(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	first := f.login(t, ActionRegister)
	assert.Equal(t, "bearer", strings.ToLower(first.TokenType))

	subject := f.subject(t, "a@x.com")
	require.NotEmpty(t, subject)
	require.Len(t, f.refreshKeys(t, subject), 1)

	// Refresh rotates the token but keeps the grant's record.
	rec := f.do(t, http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, "web", "web-secret")
	second := decodeTokens(t, rec)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Len(t, f.refreshKeys(t, subject), 1)

	rec = f.do(t, http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, "web", "web-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a rotated refresh token is rejected")

	// A second login opens a second grant for the same subject.
	third := f.login(t, ActionLogin)
	assert.Equal(t, subject, f.subject(t, "a@x.com"))
	require.Len(t, f.refreshKeys(t, subject), 2)

	rec = f.do(t, http.MethodPost, "/revoke", url.Values{"token": {third.RefreshToken}}, "web", "web-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.refreshKeys(t, subject), 1)
}

func TestIssuerFlow_AdminDeleteEndsSessions(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	tokens := f.login(t, ActionRegister)
	subject := f.subject(t, "a@x.com")

	report, err := admin.NewWorkflow(f.store).DeleteIdentity(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, subject, report.SubjectID)
	assert.Equal(t, 1, report.RefreshDeleted)
	assert.Empty(t, f.refreshKeys(t, subject))

	rec := f.do(t, http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, "web", "web-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/authorize", withLogin(authorizeParams(), ActionLogin, "a@x.com", "hunter2hunter2"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the credential is gone")
}

func TestAuthorizeHandler_PublicClientRequiresPKCE(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	params := authorizeParams()
	params.Set("client_id", "cli")
	params.Set("redirect_uri", "http://127.0.0.1/callback")
	params.Del("code_challenge")
	params.Del("code_challenge_method")

	rec := f.do(t, http.MethodPost, "/authorize", withLogin(params, ActionRegister, "b@x.com", "hunter2hunter2"))
	require.Contains(t, redirectCodes, rec.Code, rec.Body.String())
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", location.Query().Get("error"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestDiscoveryHandler(t *testing.T) {
	t.Parallel()
	f := newIssuerFixture(t)

	rec := f.do(t, http.MethodGet, DiscoveryPath, url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var md Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, "https://auth.example.com", md.Issuer)
	assert.Equal(t, "https://auth.example.com/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, "https://auth.example.com/token", md.TokenEndpoint)
	assert.Equal(t, "https://auth.example.com/revoke", md.RevocationEndpoint)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, md.GrantTypesSupported)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t, DefaultClientScopes, md.ScopesSupported)
}
