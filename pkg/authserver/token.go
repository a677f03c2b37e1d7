// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"net/http"

	"github.com/ory/fosite"
)

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants.
func (s *Server) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	// Template only; fosite decodes the stored session into it.
	session := &fosite.DefaultSession{}

	accessRequest, err := s.provider.NewAccessRequest(ctx, req, session)
	if err != nil {
		s.logger.Debug("rejected access request", "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := s.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		s.logger.Error("failed to create access response", "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	s.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// RevokeHandler handles POST /revoke (RFC 7009). Revoking either token of
// a grant revokes the whole grant.
func (s *Server) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	err := s.provider.NewRevocationRequest(ctx, req)
	if err != nil {
		s.logger.Debug("revocation request failed", "error", err)
	}
	s.provider.WriteRevocationResponse(ctx, w, err)
}
