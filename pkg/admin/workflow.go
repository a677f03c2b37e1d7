// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package admin implements the debug admin workflow: a challenge-gated view
// of the identities held in the key-value store, single-identity cascading
// deletion, and a bulk clear of every auth key family.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/keyspace"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

const (
	// DefaultPageSize is the listing page requested from the store.
	DefaultPageSize = kv.DefaultListLimit

	// DeleteConcurrency bounds the deletions in flight for one batch.
	DeleteConcurrency = 16
)

// ErrStoreUnavailable is returned when the workflow has no store to work on.
var ErrStoreUnavailable = errors.New("key-value store unavailable")

// Identity is one email address seen in the credential/mapping family.
type Identity struct {
	Email       string
	HasPassword bool
	HasSubject  bool
}

// Listing is the result of scanning the credential/mapping family.
type Listing struct {
	Identities  []Identity
	KeysScanned int
	Skipped     int
	// Warning is non-empty when the store held more keys than one page.
	Warning string
}

// DeleteReport describes a single-identity deletion.
type DeleteReport struct {
	Email     string
	SubjectID string

	RefreshDeleted int
	RefreshFailed  int
	// RefreshSkipped is set when the subject could not be determined, which
	// leaves any refresh sessions of the identity in place.
	RefreshSkipped bool
}

// ClearStatus is the outcome of a bulk clear.
type ClearStatus string

const (
	// ClearSuccess means every attempted deletion succeeded.
	ClearSuccess ClearStatus = "success"
	// ClearPartial means at least one deletion failed.
	ClearPartial ClearStatus = "partial"
	// ClearError means enumeration itself failed and the clear stopped early.
	ClearError ClearStatus = "error"
)

// ClearReport aggregates a bulk clear across families.
type ClearReport struct {
	Status    ClearStatus
	Attempted int
	Errors    int
	// Err holds the enumeration failure behind ClearError.
	Err error
}

// Workflow runs admin operations against a key-value store.
type Workflow struct {
	store      kv.Store
	challenges ChallengeStore
	logger     *slog.Logger
	metrics    *Metrics
	pageSize   int
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the operator log channel. Challenges are written here.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records admin activity on m.
func WithMetrics(m *Metrics) Option {
	return func(w *Workflow) {
		w.metrics = m
	}
}

// WithChallengeStore replaces the default KV-backed challenge store.
func WithChallengeStore(cs ChallengeStore) Option {
	return func(w *Workflow) {
		if cs != nil {
			w.challenges = cs
		}
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.pageSize = n
		}
	}
}

// NewWorkflow creates a Workflow. A nil store yields a workflow whose
// operations fail with ErrStoreUnavailable.
func NewWorkflow(store kv.Store, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.challenges == nil && store != nil {
		w.challenges = NewKVChallengeStore(store)
	}
	return w
}

// Available reports whether the workflow has a store.
func (w *Workflow) Available() bool {
	return w != nil && w.store != nil
}

// Authorize checks a presented challenge. A matching token is consumed and
// Authorize returns true. Otherwise a new challenge is issued, written to
// the operator log and Authorize returns false.
func (w *Workflow) Authorize(ctx context.Context, token string) (bool, error) {
	if !w.Available() {
		return false, ErrStoreUnavailable
	}

	if token != "" {
		ok, err := w.challenges.Consume(ctx, token)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	issued, err := w.challenges.Issue(ctx)
	if err != nil {
		return false, err
	}
	w.metrics.challengeIssued()
	w.logger.WarnContext(ctx, "admin challenge issued", "challenge", issued)
	return false, nil
}

// ListIdentities reads one page of the credential/mapping family and
// groups it by email address.
func (w *Workflow) ListIdentities(ctx context.Context) (*Listing, error) {
	if !w.Available() {
		return nil, ErrStoreUnavailable
	}

	res, err := w.store.List(ctx, keyspace.EmailPrefix, kv.ListOptions{Limit: w.pageSize})
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	byEmail := make(map[string]*Identity)
	listing := &Listing{KeysScanned: len(res.Keys)}
	for _, key := range res.Keys {
		parsed, err := keyspace.ParseEmailKey(key)
		if err != nil {
			w.logger.WarnContext(ctx, "skipping malformed key", "key", key, "error", err)
			listing.Skipped++
			continue
		}
		id, ok := byEmail[parsed.Email]
		if !ok {
			id = &Identity{Email: parsed.Email}
			byEmail[parsed.Email] = id
		}
		switch parsed.Field {
		case keyspace.FieldPassword:
			id.HasPassword = true
		case keyspace.FieldSubject:
			id.HasSubject = true
		}
	}

	listing.Identities = make([]Identity, 0, len(byEmail))
	for _, id := range byEmail {
		listing.Identities = append(listing.Identities, *id)
	}
	sort.Slice(listing.Identities, func(i, j int) bool {
		return listing.Identities[i].Email < listing.Identities[j].Email
	})

	if !res.Complete {
		listing.Warning = fmt.Sprintf("Showing first %d keys only; more exist.", len(res.Keys))
	}
	return listing, nil
}

// DeleteIdentity removes the credential and mapping of email and, when the
// mapping names a subject, every refresh session of that subject. The
// returned error covers only the credential and mapping deletion; refresh
// cleanup failures are counted in the report. The pending challenge is
// invalidated either way.
func (w *Workflow) DeleteIdentity(ctx context.Context, email string) (*DeleteReport, error) {
	if !w.Available() {
		return nil, ErrStoreUnavailable
	}
	defer w.invalidateChallenge(ctx)

	report := &DeleteReport{Email: email}
	report.SubjectID = w.readSubject(ctx, email)
	report.RefreshSkipped = report.SubjectID == ""

	var errs []error
	for _, key := range []string{keyspace.CredentialKey(email), keyspace.SubjectKey(email)} {
		if err := w.store.Delete(ctx, key); err != nil {
			w.metrics.deleteFailed(familyOf(key))
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", key, err))
			continue
		}
		w.metrics.deleted(familyOf(key))
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.ErrorContext(ctx, "identity deletion failed", "email", email, "error", err)
		return report, err
	}

	if report.RefreshSkipped {
		return report, nil
	}

	prefix := keyspace.RefreshSubjectPrefix(report.SubjectID)
	res, err := w.store.List(ctx, prefix, kv.ListOptions{Limit: w.pageSize})
	if err != nil {
		w.logger.WarnContext(ctx, "failed to list refresh sessions", "subject", report.SubjectID, "error", err)
		report.RefreshSkipped = true
		return report, nil
	}
	if !res.Complete {
		w.logger.WarnContext(ctx, "refresh sessions exceed one page; remainder left in place",
			"subject", report.SubjectID, "listed", len(res.Keys))
	}

	attempted, failed := w.deleteKeys(ctx, res.Keys)
	report.RefreshDeleted = attempted - failed
	report.RefreshFailed = failed

	w.logger.InfoContext(ctx, "identity deleted",
		"email", email,
		"subject", report.SubjectID,
		"refresh_deleted", report.RefreshDeleted,
		"refresh_failed", report.RefreshFailed,
	)
	return report, nil
}

// readSubject returns the subject recorded for email, or "" when it cannot
// be read.
func (w *Workflow) readSubject(ctx context.Context, email string) string {
	raw, err := w.store.Get(ctx, keyspace.SubjectKey(email))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		w.logger.WarnContext(ctx, "no subject mapping; refresh sessions not cleaned up", "email", email)
		return ""
	case err != nil:
		w.logger.WarnContext(ctx, "failed to read subject mapping; refresh sessions not cleaned up",
			"email", email, "error", err)
		return ""
	}
	subject := strings.TrimSpace(string(raw))
	if subject == "" {
		w.logger.WarnContext(ctx, "empty subject mapping; refresh sessions not cleaned up", "email", email)
	}
	return subject
}

// ClearAll deletes every key in keyspace.ClearableFamilies, paging with the
// store cursor until each family is exhausted.
func (w *Workflow) ClearAll(ctx context.Context) (*ClearReport, error) {
	if !w.Available() {
		return nil, ErrStoreUnavailable
	}
	defer w.invalidateChallenge(ctx)

	report := &ClearReport{}
	for _, prefix := range keyspace.ClearableFamilies {
		if err := w.clearFamily(ctx, prefix, report); err != nil {
			w.logger.ErrorContext(ctx, "bulk clear aborted", "prefix", prefix, "error", err,
				"attempted", report.Attempted, "errors", report.Errors)
			report.Status = ClearError
			report.Err = err
			return report, nil
		}
	}

	report.Status = ClearSuccess
	if report.Errors > 0 {
		report.Status = ClearPartial
	}
	w.logger.InfoContext(ctx, "bulk clear finished",
		"status", report.Status, "attempted", report.Attempted, "errors", report.Errors)
	return report, nil
}

func (w *Workflow) clearFamily(ctx context.Context, prefix string, report *ClearReport) error {
	var cursor string
	for {
		res, err := w.store.List(ctx, prefix, kv.ListOptions{Cursor: cursor, Limit: w.pageSize})
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", prefix, err)
		}

		attempted, failed := w.deleteKeys(ctx, res.Keys)
		report.Attempted += attempted
		report.Errors += failed

		if res.Complete {
			return nil
		}
		if res.Cursor == "" || res.Cursor == cursor {
			return fmt.Errorf("store returned a stalled cursor for %s", prefix)
		}
		cursor = res.Cursor
	}
}

// deleteKeys deletes keys concurrently. A failed deletion is logged and
// counted; it never stops the others.
func (w *Workflow) deleteKeys(ctx context.Context, keys []string) (attempted, failed int) {
	var failures atomic.Int64

	var g errgroup.Group
	g.SetLimit(DeleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			family := familyOf(key)
			if err := w.store.Delete(ctx, key); err != nil {
				failures.Add(1)
				w.metrics.deleteFailed(family)
				w.logger.WarnContext(ctx, "failed to delete key", "key", key, "error", err)
				return nil
			}
			w.metrics.deleted(family)
			return nil
		})
	}
	_ = g.Wait()

	return len(keys), int(failures.Load())
}

func (w *Workflow) invalidateChallenge(ctx context.Context) {
	if err := w.challenges.Invalidate(ctx); err != nil {
		w.logger.WarnContext(ctx, "failed to invalidate admin challenge", "error", err)
	}
}

// familyOf returns the metric label for the family key belongs to.
func familyOf(key string) string {
	for _, prefix := range keyspace.ClearableFamilies {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimSuffix(prefix, keyspace.Delimiter)
		}
	}
	return "other"
}
