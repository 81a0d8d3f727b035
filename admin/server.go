package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/spez-io/spez/telemetry"
)

// Status is the operational snapshot served at /status.
type Status struct {
	Table          string    `json:"table"`
	State          string    `json:"state"`
	Watermark      time.Time `json:"watermark"`
	DedupEntries   int       `json:"dedup_entries"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	SchemaRevision string    `json:"schema,omitempty"`
}

// StatusFunc supplies the current snapshot.
type StatusFunc func() Status

// Server exposes health, status and metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds the admin HTTP server on addr.
func NewServer(addr string, status StatusFunc) *Server {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Warn().Err(err).Msg("Failed to encode status")
		}
	})

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	return &Server{
		srv: &http.Server{Addr: addr, Handler: r},
	}
}

// Start serves until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Admin server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}
