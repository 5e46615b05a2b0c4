package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/middleware"
	"sre-agent/internal/usecase"
)

// Server is the HTTP trigger surface.
type Server struct {
	router    chi.Router
	cfg       config.ServerConfig
	logger    *slog.Logger
	boundAddr chan string
}

// NewServer builds the router. ctx bounds the rate limiter's janitor.
func NewServer(ctx context.Context, cfg config.ServerConfig, deps HandlerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = usecase.NewRunMetrics()
	}
	if deps.DefaultService == "" {
		deps.DefaultService = "cartservice"
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(deps.Logger))
	r.Use(middleware.SecurityHeaders)

	r.Get("/readyz", readyzHandler)
	r.Get("/health", healthHandler(deps))
	r.Get("/metrics", metricsHandler(deps.Metrics))
	r.With(middleware.RateLimit(ctx, cfg.RateLimit)).Post("/diagnose", diagnoseHandler(deps))

	return &Server{router: r, cfg: cfg, logger: deps.Logger, boundAddr: make(chan string, 1)}
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler { return s.router }

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr() string {
	addr := <-s.boundAddr
	s.boundAddr <- addr
	return addr
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr <- ln.Addr().String()

	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("gateway started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.logger.Info("gateway stopped")
	return <-errCh
}
