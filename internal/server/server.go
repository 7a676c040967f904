// Package server exposes the lifecycle daemon's health, registry snapshot
// and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/internal/server/handlers"
	"github.com/OpenGATE/IDEAL-sub000/internal/server/middleware"
)

// Config configures the listener.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Version         string
	Logger          *zap.Logger
}

// Server is the status server.
type Server struct {
	cfg    Config
	router chi.Router
	logger *zap.Logger
}

// New builds the router. jobs and health may be nil; their routes are then
// left out.
func New(cfg Config, jobs handlers.JobSource, health *handlers.HealthManager) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(cfg.Logger))
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	if health != nil {
		r.Get("/health", health.HealthHandler)
		r.Get("/health/live", health.LiveHandler)
		r.Get("/health/ready", health.HealthHandler)
	}
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", cfg.Version)
	})
	if jobs != nil {
		h := handlers.NewJobsHandler(jobs)
		r.Get("/jobs", h.List)
		r.Get("/jobs/{id}", h.Get)
		r.Get("/report", h.Report)
	}
	r.Handle("/metrics", promhttp.Handler())

	return &Server{cfg: cfg, router: r, logger: cfg.Logger}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.cfg.Port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
