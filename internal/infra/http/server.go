// Package http provides the HTTP server for the scan API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siteguard/api/internal/config"
	"github.com/siteguard/api/internal/infra/http/handler"
	"github.com/siteguard/api/internal/infra/http/middleware"
	"github.com/siteguard/api/pkg/logger"
)

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	config     *config.Config
	logger     *logger.Logger
}

// NewServer creates a new HTTP server with the global middleware chain
// applied. Routes are registered separately via MountRoutes.
func NewServer(cfg *config.Config, log *logger.Logger) *Server {
	r := chi.NewRouter()

	// Order matters: recovery first, then request identity, then
	// observability around the actual handlers.
	r.Use(middleware.Recovery(log, cfg.App.IsProduction()))
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.CleanPath)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(log))

	return &Server{
		router: r,
		config: cfg,
		logger: log,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  time.Minute,
		},
	}
}

// MountRoutes registers all API routes on the server.
func (s *Server) MountRoutes(scans *handler.ScanSessionHandler, health *handler.HealthHandler) {
	s.router.Get("/healthz", health.Health)
	s.router.Get("/readyz", health.Ready)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", scans.StartScan)
			r.Get("/", scans.ListScans)
			r.Get("/{id}", scans.GetScan)
			r.Delete("/{id}", scans.DeleteScan)
		})
		r.Get("/stats", scans.Stats)
	})
}

// Router returns the router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.config.Server.Addr())

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
