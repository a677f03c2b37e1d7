// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single find-or-create call.
	DefaultTimeout = 10 * time.Second

	findOrCreatePath = "/find-or-create"

	// DefaultRateLimit and DefaultBurst throttle calls to the identity
	// service so a burst of logins cannot overwhelm it.
	DefaultRateLimit = 100
	DefaultBurst     = 200

	// maxErrorBody caps how much of a failed response is kept for the error.
	maxErrorBody = 1 << 10
)

// HTTPConfig configures the backend identity service client.
type HTTPConfig struct {
	// URL is the service base URL; the call goes to <URL>/find-or-create.
	URL     string
	Timeout time.Duration
	// RateLimit is the sustained calls per second. Negative disables limiting.
	RateLimit float64
	Burst     int
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPResolver calls the backend identity service. Calls are not retried;
// any failure fails the authentication attempt.
type HTTPResolver struct {
	endpoint    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPResolver validates cfg and returns a resolver.
func NewHTTPResolver(cfg HTTPConfig) (*HTTPResolver, error) {
	if cfg.URL == "" {
		return nil, errors.New("identity service URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity service URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("identity service URL scheme must be http or https, got: %s", parsed.Scheme)
	}

	endpoint, err := url.JoinPath(cfg.URL, findOrCreatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to build find-or-create URL: %w", err)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPResolver{endpoint: endpoint, httpClient: client, rateLimiter: newLimiter(cfg.RateLimit, cfg.Burst)}, nil
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit < 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if limit == 0 {
		limit = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// FindOrCreate implements Resolver.
func (r *HTTPResolver) FindOrCreate(ctx context.Context, result ProviderResult) (*Identity, error) {
	if err := validateResult(result); err != nil {
		return nil, err
	}

	if err := r.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("find-or-create rate limit: %w", err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create find-or-create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("find-or-create request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("identity service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("failed to decode find-or-create response: %w", err)
	}
	if id.UserID == "" {
		return nil, ErrEmptyUserID
	}
	return &id, nil
}

// Close releases idle connections.
func (r *HTTPResolver) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

var _ Resolver = (*HTTPResolver)(nil)
