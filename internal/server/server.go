package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/keygate/internal/handler"
	"github.com/faucetdb/keygate/internal/openapi"
	"github.com/faucetdb/keygate/internal/server/middleware"
	"github.com/faucetdb/keygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	Gate            middleware.GateConfig
	RateLimit       RateLimitConfig
	MetricsAddr     string // empty disables the metrics listener
	Version         string
}

// RateLimitConfig controls request admission limits. Zero limits disable the
// corresponding limiter.
type RateLimitConfig struct {
	Enabled         bool
	PerIPPerMinute  int
	PerKeyPerMinute int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		Gate:            middleware.DefaultGateConfig(),
	}
}

// Store is the part of the key store the server checks for readiness.
type Store interface {
	Ping(ctx context.Context) error
	CountAPIKeys(ctx context.Context) (total, active int, err error)
}

// Server is the top-level HTTP server for keygate. Every route except health
// checks, and documentation outside production, sits behind the admission gate.
type Server struct {
	cfg           Config
	router        chi.Router
	store         Store
	keys          *service.KeyService
	tokens        *service.TokenService
	metrics       *middleware.Metrics
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, store Store, keys *service.KeyService, tokens *service.TokenService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		keys:    keys,
		tokens:  tokens,
		metrics: middleware.NewMetrics("keygate"),
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	gate := s.cfg.Gate
	if gate.Header == "" {
		gate.Header = "X-API-Key"
	}

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", gate.Header, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.RateLimit.Enabled && s.cfg.RateLimit.PerIPPerMinute > 0 {
		r.Use(middleware.RateLimit(s.cfg.RateLimit.PerIPPerMinute))
	}
	r.Use(middleware.Admission(s.keys, gate, s.logger, s.metrics))

	// --- Health checks (bypass the gate) ---
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)

	// --- API documentation (bypasses the gate outside production) ---
	if !gate.Production {
		doc := openapi.Generate(openapi.Options{
			APIKeyHeader: gate.Header,
			Version:      s.cfg.Version,
		})
		r.Get("/swagger/openapi.json", handler.NewDocsHandler(doc).ServeSpec)
	}

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit.Enabled && s.cfg.RateLimit.PerKeyPerMinute > 0 {
			r.Use(middleware.RateLimitByKey(s.cfg.RateLimit.PerKeyPerMinute))
		}

		r.Get("/whoami", handler.Whoami)

		// Key management requires an admin token on top of the API key.
		r.Route("/system", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.tokens))

			keyHandler := handler.NewKeyHandler(s.keys, s.logger)
			r.Get("/api-key", keyHandler.ListAPIKeys)
			r.Post("/api-key", keyHandler.CreateAPIKey)
			r.Get("/api-key/{keyId}", keyHandler.GetAPIKey)
			r.Post("/api-key/{keyId}/revoke", keyHandler.RevokeAPIKey)
			r.Delete("/api-key/{keyId}", keyHandler.DeleteAPIKey)
		})
	})

	s.router = r
}

// handleHealth is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReady is a readiness probe. Returns 200 when the key store answers,
// or 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	resp := map[string]interface{}{}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("key store ping failed", "error", err)
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	} else if total, active, err := s.store.CountAPIKeys(ctx); err == nil {
		resp["keys"] = map[string]int{"total": total, "active": active}
	}
	resp["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("server starting", "addr", addr, "production", s.cfg.Gate.Production)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("metrics listener starting", "addr", s.cfg.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or server error
	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown: %w", err)
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("metrics shutdown: %w", err)
		}
	}

	if listenErr != nil {
		return fmt.Errorf("server listen: %w", listenErr)
	}
	s.logger.Info("server stopped")
	return shutdownErr
}

// Metrics returns the admission metrics.
func (s *Server) Metrics() *middleware.Metrics {
	return s.metrics
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
