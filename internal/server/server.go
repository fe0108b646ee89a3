// Package server runs the node's admin HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmastream/internal/config"
	"github.com/piwi3910/rdmastream/internal/transport/rdma"
)

const shutdownTimeout = 10 * time.Second

// Server exposes /healthz, /metrics and /rdma.
type Server struct {
	cfg       *config.Config
	transport *rdma.Transport
	http      *http.Server
}

// New builds the admin server around the node's transport.
func New(cfg *config.Config, transport *rdma.Transport) *Server {
	s := &Server{cfg: cfg, transport: transport}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/rdma", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.transport.Stats())
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.cfg.AdminPort).Msg("Starting admin server")
		log.Info().Int("port", s.cfg.AdminPort).Msg("Prometheus metrics available at /metrics")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
