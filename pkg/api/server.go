// Package api is the HTTP surface of the service: a chi router over the
// file service, multipart sessions, health probes and the metrics endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/config"
)

// shutdownGrace bounds how long in-flight requests may run after the server
// receives its stop signal.
const shutdownGrace = 10 * time.Second

// Server wraps the HTTP server lifecycle. Create it with NewServer, then
// Start blocks until the context is cancelled and shuts down gracefully.
type Server struct {
	server       *http.Server
	cfg          config.APIConfig
	shutdownOnce sync.Once
}

// NewServer creates the API server around an already built handler.
//
// Defaults are applied here so a Server constructed directly in tests works
// without going through config loading.
func NewServer(cfg config.APIConfig, handler http.Handler) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	// Uploads and downloads can legitimately run for hours, so only the
	// header read is bounded here. Per-route timeouts live in the router.
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &Server{server: server, cfg: cfg}
}

// Start serves requests until ctx is cancelled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", s.server.Addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		// The cancelled ctx would abort the drain immediately; shutdown
		// gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Stop drains the server. Safe to call more than once and concurrently with
// Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("api server shutdown: %w", err)
		} else {
			logger.Info("api server stopped")
		}
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.cfg.Port
}
