// Package api is the HTTP surface of the platform: instance CRUD, code
// execution, history queries, health, and metrics.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"webvm-manager/internal/config"
	"webvm-manager/internal/monitor"
	"webvm-manager/internal/vm"
)

// HealthChecker reports whether a dependency is reachable. Implemented by
// the PostgreSQL repository; nil means the dependency is not configured.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server is the main HTTP server for the platform API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, manager *vm.Manager, db HealthChecker, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(manager, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, authentication is disabled")
	}

	// Instance and execution API, wrapped with auth.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /instances", handlers.HandleCreateInstance)
	apiMux.HandleFunc("GET /instances", handlers.HandleListInstances)
	apiMux.HandleFunc("GET /instances/{id}", handlers.HandleGetInstance)
	apiMux.HandleFunc("PATCH /instances/{id}", handlers.HandleUpdateInstance)
	apiMux.HandleFunc("DELETE /instances/{id}", handlers.HandleTerminateInstance)
	apiMux.HandleFunc("POST /instances/{id}/execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /instances/{id}/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /instances/{id}/resources", handlers.HandleResourceHistory)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, manager))
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db HealthChecker, manager *vm.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:    "ok",
			Database:  dbOK,
			Instances: manager.Registry().Count(),
			Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
