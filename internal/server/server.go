// Package server is the small HTTP surface of the serve command: liveness,
// readiness against Postgres, the database version, the shared upstream
// quota view and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/Sternrassler/gh-star-collector/pkg/metrics"
	"github.com/Sternrassler/gh-star-collector/pkg/ratelimit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultQueryTimeout bounds every database call made by a handler.
const DefaultQueryTimeout = 5 * time.Second

// Database is the part of a pgx pool the handlers use.
type Database interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuotaSource reports the last known upstream quota of a resource.
type QuotaSource interface {
	GetState(ctx context.Context, resource string) (*ratelimit.RateLimitState, error)
}

// quotaResources are reported by /api/quota.
var quotaResources = []string{ratelimit.ResourceCore, ratelimit.ResourceSearch}

// Server serves the HTTP endpoints.
type Server struct {
	db     Database
	quota  QuotaSource
	logger zerolog.Logger
}

// New creates a server. quota may be nil, in which case /api/quota is not
// registered.
func New(db Database, quota QuotaSource) *Server {
	return &Server{
		db:     db,
		quota:  quota,
		logger: logging.NewLogger(logging.ComponentServer),
	}
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.HandleFunc("GET /api/db_version", s.dbVersionHandler)
	if s.quota != nil {
		mux.HandleFunc("GET /api/quota", s.quotaHandler)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultQueryTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

func (s *Server) dbVersionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultQueryTimeout)
	defer cancel()

	var version string
	if err := s.db.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		s.logger.Error().Err(err).Msg("Database version query failed")
		http.Error(w, fmt.Sprintf("query failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, version)
}

func (s *Server) quotaHandler(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]*ratelimit.RateLimitState, len(quotaResources))
	for _, resource := range quotaResources {
		state, err := s.quota.GetState(r.Context(), resource)
		if err != nil && state == nil {
			http.Error(w, fmt.Sprintf("%s quota state unavailable: %v", resource, err), http.StatusBadGateway)
			return
		}
		states[resource] = state
	}
	writeJSON(w, states)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
