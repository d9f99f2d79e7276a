package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

// SnapshotLoader returns the most recently persisted run result.
type SnapshotLoader interface {
	Load(ctx context.Context) (domain.Snapshot, error)
}

// Server exposes health, readiness, metrics and the latest snapshot over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and
// /snapshot routes. A nil snapshots loader disables /snapshot.
func NewServer(addr string, ready sharedobs.ReadinessChecker, snapshots SnapshotLoader, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if snapshots != nil {
		mux.HandleFunc("GET /snapshot", s.handleSnapshot(snapshots))
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleSnapshot serves the latest snapshot as JSON, or as MessagePack when
// the client accepts application/x-msgpack.
func (s *Server) handleSnapshot(loader SnapshotLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := loader.Load(r.Context())
		if errors.Is(err, domain.ErrNoSnapshot) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot has been written yet"})
			return
		}
		if err != nil {
			s.logger.Error("load snapshot failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot unavailable"})
			return
		}

		if strings.Contains(r.Header.Get("Accept"), "application/x-msgpack") {
			w.Header().Set("Content-Type", "application/x-msgpack")
			w.WriteHeader(http.StatusOK)
			msgpack.NewEncoder(w).Encode(snap) //nolint:errcheck // client gone
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
