// Package api is the operational HTTP sidecar: health and Prometheus
// metrics for whoever runs the daemon. The external submit/poll/list
// surface is JSON-RPC over stdin/stdout and never touches this listener.
package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"shannot/internal/config"
	"shannot/internal/monitor"
	"shannot/internal/storage"
)

// Server is the ops sidecar HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	db         *storage.DB
	startTime  time.Time

	// launcherHealthy reports whether the configured child launcher is
	// usable right now; nil means no launcher-specific check applies
	// (the bare-process launcher is always available).
	launcherHealthy func(ctx context.Context) bool
}

// NewServer wires up the sidecar routes and middleware chain. db and
// launcherHealthy may be nil.
func NewServer(cfg *config.Config, metrics *monitor.Metrics, db *storage.DB, launcherHealthy func(ctx context.Context) bool) *Server {
	s := &Server{
		cfg:             cfg,
		db:              db,
		startTime:       time.Now(),
		launcherHealthy: launcherHealthy,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Middleware chain, innermost first (recovery ends up outermost).
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
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

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("ops sidecar listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down ops sidecar")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	launcherOK := s.launcherHealthy == nil || s.launcherHealthy(r.Context())

	rootOK := true
	if _, err := os.Stat(s.cfg.Session.Root); err != nil {
		rootOK = false
	}

	resp := HealthResponse{
		Status:      "ok",
		SessionRoot: rootOK,
		Database:    dbOK,
		Launcher:    launcherOK,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK || !rootOK || !launcherOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
