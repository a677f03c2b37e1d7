// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the issuer, the debug admin workflow and the
// operational endpoints into one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/admin"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/authserver"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/config"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/identity"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/kv"
)

const (
	// HealthPath reports whether the key-value store is reachable.
	HealthPath = "/health"
	// MetricsPath exposes Prometheus metrics.
	MetricsPath = "/metrics"

	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	healthCheckTimeout       = 2 * time.Second
)

// Server is the authworker HTTP server.
type Server struct {
	config   *config.Config
	store    kv.Store
	resolver identity.Resolver
	registry *prometheus.Registry
	handler  http.Handler
	logger   *slog.Logger

	// ownsStore is set when the store was created from config and must be closed on Stop.
	ownsStore bool

	httpServer *http.Server
	listenerMu sync.RWMutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithStore uses store instead of creating one from the storage config.
func WithStore(store kv.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithResolver uses resolver instead of creating one from the identity config.
func WithResolver(resolver identity.Resolver) Option {
	return func(s *Server) { s.resolver = resolver }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the server from cfg. The store is connected eagerly so
// misconfiguration fails at startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	s := &Server{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		store, err := kv.New(ctx, cfg.KV())
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		s.store = store
		s.ownsStore = true
	}

	if s.resolver == nil {
		resolver, err := newResolver(cfg.Identity, s.store)
		if err != nil {
			_ = s.closeStore()
			return nil, err
		}
		s.resolver = resolver
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	issuer, err := authserver.New(cfg.AuthServer(), s.store, s.resolver, authserver.WithLogger(s.logger))
	if err != nil {
		_ = s.closeStore()
		return nil, fmt.Errorf("failed to create issuer: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get(HealthPath, s.handleHealth)
	r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if cfg.Admin.Enabled {
		workflow := admin.NewWorkflow(s.store,
			admin.WithLogger(s.logger),
			admin.WithMetrics(admin.NewMetrics(s.registry)),
			admin.WithPageSize(cfg.Admin.PageSize),
			admin.WithChallengeStore(admin.NewKVChallengeStore(s.store, admin.WithChallengeTTL(cfg.Admin.ChallengeTTL))),
		)
		r.Mount(cfg.Admin.BasePath, admin.NewHandler(workflow, cfg.Admin.BasePath, s.logger).Routes())
		s.logger.Warn("debug admin workflow enabled", "base_path", cfg.Admin.BasePath)
	}

	r.Mount("/", issuer.Routes())
	s.handler = r
	return s, nil
}

func newResolver(cfg config.IdentityConfig, store kv.Store) (identity.Resolver, error) {
	switch cfg.Mode {
	case config.IdentityModeLocal:
		return identity.NewLocalResolver(store), nil
	case config.IdentityModeHTTP:
		resolver, err := identity.NewHTTPResolver(identity.HTTPConfig{
			URL:       cfg.URL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create identity resolver: %w", err)
		}
		return resolver, nil
	default:
		return nil, fmt.Errorf("unsupported identity mode: %s", cfg.Mode)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until ctx is cancelled or the server fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	// Create listener (allows port 0 to bind to random available port)
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.logger.Info("authworker listening", "addr", listener.Addr().String(), "issuer", s.config.Issuer.URL)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.readyOnce.Do(func() {
		close(s.ready)
	})

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down server")
		return s.Stop(context.Background())
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully stops the server and releases the store it created.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.httpServer != nil {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	if closer, ok := s.resolver.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close identity resolver: %w", err))
		}
	}
	if err := s.closeStore(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Server) closeStore() error {
	if !s.ownsStore || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	resp := healthResponse{Status: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status = http.StatusServiceUnavailable
		resp = healthResponse{Status: "unavailable", Error: "storage unreachable"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
