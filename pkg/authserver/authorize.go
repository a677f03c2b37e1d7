// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"slices"

	"github.com/ory/fosite"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
)

// Login form actions.
const (
	ActionLogin    = "login"
	ActionRegister = "register"
)

//go:embed templates/login.html
var templateFS embed.FS

var loginPage = template.Must(template.ParseFS(templateFS, "templates/login.html"))

type hiddenField struct {
	Name  string
	Value string
}

type loginData struct {
	Action   string
	ClientID string
	Email    string
	Error    string
	Hidden   []hiddenField
}

// AuthorizeHandler handles GET and POST /authorize.
//
// GET validates the authorization request and shows the login form. POST
// validates it again, then registers or authenticates the user, resolves
// the backend identity and redirects back to the client with a code.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	ar, err := s.provider.NewAuthorizeRequest(ctx, req)
	if err != nil {
		s.logger.Debug("rejected authorization request", "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	if req.Method != http.MethodPost {
		s.renderLogin(w, http.StatusOK, ar, "", "")
		return
	}

	email := req.PostForm.Get("email")
	password := req.PostForm.Get("password")
	action := req.PostForm.Get("action")
	for _, key := range sensitiveFormKeys {
		ar.GetRequestForm().Del(key)
	}

	var result *identity.ProviderResult
	if action == ActionRegister {
		result, err = s.passwords.Register(ctx, email, password)
	} else {
		result, err = s.passwords.Authenticate(ctx, email, password)
	}
	if err != nil {
		status, msg := loginError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("password provider failed", "action", action, "error", err)
		}
		s.renderLogin(w, status, ar, NormalizeEmail(email), msg)
		return
	}

	session, err := s.success.OnSuccess(ctx, *result)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar,
			fosite.ErrServerError.WithHint("Failed to resolve the user identity."))
		return
	}

	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}
	for _, audience := range ar.GetRequestedAudience() {
		ar.GrantAudience(audience)
	}

	resp, err := s.provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		s.logger.Error("failed to create authorize response", "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

func loginError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ErrCredentialExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrWeakPassword):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Sign in is temporarily unavailable."
	}
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, ar fosite.AuthorizeRequester, email, errMsg string) {
	form := ar.GetRequestForm()
	keys := make([]string, 0, len(form))
	for key := range form {
		if !slices.Contains(sensitiveFormKeys, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	data := loginData{
		Action:   s.config.Issuer + AuthorizePath,
		ClientID: ar.GetClient().GetID(),
		Email:    email,
		Error:    errMsg,
	}
	for _, key := range keys {
		for _, value := range form[key] {
			data.Hidden = append(data.Hidden, hiddenField{Name: key, Value: value})
		}
	}

	var buf bytes.Buffer
	if err := loginPage.Execute(&buf, data); err != nil {
		s.logger.Error("failed to render login page", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
