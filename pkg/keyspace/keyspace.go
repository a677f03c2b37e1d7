// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keyspace owns the key naming convention shared by every writer of
// the key-value store. All key construction and parsing goes through this
// package so the delimiter rules live in one place.
//
// Key families:
//
//	email:<address>:password               credential record
//	email:<address>:subject                session-identity mapping
//	oauth:refresh:<subjectID>:<sessionID>  refresh-token session
//	admin:challenge                        pending admin challenge
package keyspace

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the segments of a key.
const Delimiter = ":"

// Family prefixes. Enumeration relies on these being stable across writers.
const (
	EmailPrefix    = "email" + Delimiter
	RefreshPrefix  = "oauth" + Delimiter + "refresh" + Delimiter
	OAuthPrefix    = "oauth" + Delimiter
	AdminPrefix    = "admin" + Delimiter
	IdentityPrefix = "identity" + Delimiter
)

// ChallengeKey is the single slot holding the pending admin challenge.
const ChallengeKey = AdminPrefix + "challenge"

// EmailField names the record stored under an email key.
type EmailField string

const (
	// FieldPassword marks the credential record.
	FieldPassword EmailField = "password"
	// FieldSubject marks the session-identity mapping.
	FieldSubject EmailField = "subject"
)

// ErrMalformedKey is returned when a key does not follow its family's shape.
var ErrMalformedKey = errors.New("malformed key")

// ClearableFamilies are the families removed by a bulk clear, in order.
var ClearableFamilies = []string{EmailPrefix, RefreshPrefix}

// CredentialKey returns the credential record key for an email address.
func CredentialKey(email string) string {
	return emailKey(email, FieldPassword)
}

// SubjectKey returns the session-identity mapping key for an email address.
func SubjectKey(email string) string {
	return emailKey(email, FieldSubject)
}

func emailKey(email string, field EmailField) string {
	return EmailPrefix + email + Delimiter + string(field)
}

// RefreshSubjectPrefix returns the prefix enumerating every refresh session of a subject.
func RefreshSubjectPrefix(subjectID string) string {
	return RefreshPrefix + subjectID + Delimiter
}

// RefreshKey returns the key of one refresh session.
func RefreshKey(subjectID, sessionID string) string {
	return RefreshSubjectPrefix(subjectID) + sessionID
}

// EmailKey is a parsed key from the email family.
type EmailKey struct {
	Email string
	Field EmailField
}

// ParseEmailKey extracts the address from an email-family key. The address
// ends at the first delimiter after the family prefix.
func ParseEmailKey(key string) (EmailKey, error) {
	rest, ok := strings.CutPrefix(key, EmailPrefix)
	if !ok {
		return EmailKey{}, fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedKey, key, EmailPrefix)
	}
	idx := strings.Index(rest, Delimiter)
	if idx <= 0 {
		return EmailKey{}, fmt.Errorf("%w: %q has no address delimiter", ErrMalformedKey, key)
	}
	return EmailKey{
		Email: rest[:idx],
		Field: EmailField(rest[idx+len(Delimiter):]),
	}, nil
}

// RefreshKeyParts is a parsed key from the refresh family.
type RefreshKeyParts struct {
	SubjectID string
	SessionID string
}

// ParseRefreshKey splits a refresh-family key into subject and session ids.
func ParseRefreshKey(key string) (RefreshKeyParts, error) {
	rest, ok := strings.CutPrefix(key, RefreshPrefix)
	if !ok {
		return RefreshKeyParts{}, fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedKey, key, RefreshPrefix)
	}
	subject, session, found := strings.Cut(rest, Delimiter)
	if !found || subject == "" || session == "" {
		return RefreshKeyParts{}, fmt.Errorf("%w: %q is not subject:session", ErrMalformedKey, key)
	}
	return RefreshKeyParts{SubjectID: subject, SessionID: session}, nil
}

// OAuthKey builds an issuer-internal key such as oauth:code:<signature>.
func OAuthKey(kind, id string) string {
	return OAuthPrefix + kind + Delimiter + id
}

// IdentityKey builds the local identity key for a provider subject.
func IdentityKey(provider, subject string) string {
	return IdentityPrefix + provider + Delimiter + subject
}
