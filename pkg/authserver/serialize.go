// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ory/fosite"
)

// storedRequest is the JSON form of a fosite.Requester.
type storedRequest struct {
	ID                string              `json:"id"`
	RequestedAt       time.Time           `json:"requested_at"`
	ClientID          string              `json:"client_id"`
	RequestedScopes   []string            `json:"requested_scopes"`
	GrantedScopes     []string            `json:"granted_scopes"`
	RequestedAudience []string            `json:"requested_audience"`
	GrantedAudience   []string            `json:"granted_audience"`
	Form              map[string][]string `json:"form"`
	Session           json.RawMessage     `json:"session,omitempty"`
}

// storedRefresh is the value of an oauth:refresh:<subject>:<requestID> record.
// The request id is stable across rotation; Signature tracks the current token.
type storedRefresh struct {
	Signature       string        `json:"signature"`
	AccessSignature string        `json:"access_signature,omitempty"`
	Request         storedRequest `json:"request"`
}

// sensitiveFormKeys never leave the authorize request.
var sensitiveFormKeys = []string{"password", "email", "action"}

func toStoredRequest(request fosite.Requester) (storedRequest, error) {
	form := make(map[string][]string, len(request.GetRequestForm()))
	for key, values := range request.GetRequestForm() {
		form[key] = values
	}
	for _, key := range sensitiveFormKeys {
		delete(form, key)
	}

	var session json.RawMessage
	if s := request.GetSession(); s != nil {
		data, err := json.Marshal(s)
		if err != nil {
			return storedRequest{}, fmt.Errorf("failed to marshal session: %w", err)
		}
		session = data
	}

	clientID := ""
	if c := request.GetClient(); c != nil {
		clientID = c.GetID()
	}

	return storedRequest{
		ID:                request.GetID(),
		RequestedAt:       request.GetRequestedAt(),
		ClientID:          clientID,
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              form,
		Session:           session,
	}, nil
}

func marshalRequester(request fosite.Requester) ([]byte, error) {
	stored, err := toStoredRequest(request)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stored)
}

// fromStoredRequest rebuilds a requester. The session is decoded into proto
// when given, following fosite's storage contract, and into a fresh
// fosite.DefaultSession otherwise.
func (s *Storage) fromStoredRequest(ctx context.Context, stored storedRequest, proto fosite.Session) (fosite.Requester, error) {
	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for session: %w", err)
	}

	session := proto
	if session == nil {
		session = &fosite.DefaultSession{}
	}
	if len(stored.Session) > 0 {
		if err := json.Unmarshal(stored.Session, session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
	}

	return &fosite.Request{
		ID:                stored.ID,
		RequestedAt:       stored.RequestedAt,
		Client:            client,
		RequestedScope:    stored.RequestedScopes,
		GrantedScope:      stored.GrantedScopes,
		RequestedAudience: stored.RequestedAudience,
		GrantedAudience:   stored.GrantedAudience,
		Form:              url.Values(stored.Form),
		Session:           session,
	}, nil
}

func (s *Storage) unmarshalRequester(ctx context.Context, data []byte, proto fosite.Session) (fosite.Requester, error) {
	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return s.fromStoredRequest(ctx, stored, proto)
}
