// SPDX-License-Identifier: MIT

// Package ops serves the operator-facing HTTP surface: liveness and
// readiness probes, Prometheus metrics and a small status page. It is an
// internal listener, separate from whatever delivers operations to users,
// and is the only HTTP server the worker and keep-alive processes run.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/renewtv/renewd/internal/health"
	"github.com/renewtv/renewd/internal/keepalive"
	logpkg "github.com/renewtv/renewd/internal/log"
)

// Config holds the ops server configuration.
type Config struct {
	// Listen is the address to bind, for example ":9090".
	Listen string
	// Version is reported on /healthz and /statusz.
	Version string
	// RequestLimit caps requests per client IP per Window. The surface is
	// internal, so the cap only has to stop runaway scrape loops.
	RequestLimit int
	Window       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
	if c.RequestLimit <= 0 {
		c.RequestLimit = 120
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// Deps are the collaborators the server reports on.
type Deps struct {
	// Health answers the probe endpoints. A nil manager means the process
	// has no component checks and is always healthy.
	Health *health.Manager
	// Redis is used to read the published keep-alive cycle summary for
	// /statusz. Nil omits that section.
	Redis *redis.Client
	// Metrics serves /metrics; defaults to promhttp.Handler().
	Metrics http.Handler
}

// Server is the ops HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

// New creates an ops server. Missing dependencies are defaulted so a bare
// Server still serves probes and metrics.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Health == nil {
		deps.Health = health.NewManager(cfg.Version)
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  logpkg.WithComponent("ops"),
	}
}

// Handler assembles the router with the canonical middleware stack:
// recoverer outermost, then request correlation, tracing, access logging
// and the rate limit.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(traced("renewd-ops"))
	r.Use(accessLog)
	r.Use(rateLimit(s.cfg.RequestLimit, s.cfg.Window))

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Get("/statusz", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	return r
}

type statusResponse struct {
	Status    string             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Keepalive *keepalive.Summary `json:"keepalive,omitempty"`
}

// handleStatus reports the process version and the last keep-alive cycle,
// read back from Redis rather than process memory so the worker's ops
// surface can report on the keep-alive instance too.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logpkg.WithComponentFromContext(r.Context(), "ops")

	resp := statusResponse{Status: "ok", Version: s.cfg.Version}
	if s.deps.Redis != nil {
		sum, err := keepalive.LastSummary(r.Context(), s.deps.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("keepalive summary unavailable")
		} else {
			resp.Keepalive = sum
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "status.encode_error").Msg("failed to encode status response")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully with a
// bounded deadline independent of the already-cancelled parent.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.log.Info().Msg("ops server stopped")
	return ctx.Err()
}
