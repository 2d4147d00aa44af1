package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/features"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/middleware"
	"github.com/ax-platform/ax-mcp-monitor/internal/service"
	"github.com/ax-platform/ax-mcp-monitor/internal/versioning"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// StatusProvider reports the monitor state.
type StatusProvider interface {
	Status(ctx context.Context) service.Status
}

// Server exposes health, status and metrics for the running monitor.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	monitor StatusProvider
	flags   *features.FlagManager
	addr    string
	server  *http.Server
}

// NewServer builds the status server. A nil flags manager enables every
// optional route.
func NewServer(addr string, monitor StatusProvider, flags *features.FlagManager, logger *logrus.Logger) *Server {
	if flags == nil {
		flags = features.NewFlagManager()
		flags.InitializeDefaults()
	}
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		monitor: monitor,
		flags:   flags,
		addr:    addr,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(versioning.NewVersionMiddleware(s.logger).Handler)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion()).Methods(http.MethodGet)
	s.router.HandleFunc("/features", s.handleFeatures()).Methods(http.MethodGet)

	if s.flags.IsEnabled(features.FlagMetricsEndpoint) {
		s.router.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
		s.router.HandleFunc("/metrics/snapshot", s.handleMetricsSnapshot()).Methods(http.MethodGet)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("addr", s.addr).Info("Starting status server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealth answers 200 while the monitor is running with a healthy
// session and 503 otherwise.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.monitor.Status(r.Context())
		healthy := st.Running && st.Health.Healthy

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, map[string]any{
			"healthy":               healthy,
			"running":               st.Running,
			"consecutive_failures":  st.Health.ConsecutiveFailures,
			"last_successful_check": st.Health.LastSuccessfulCheck,
		})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.monitor.Status(r.Context()))
	}
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, versioning.Info())
	}
}

func (s *Server) handleFeatures() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.flags.ListFlags())
	}
}

func (s *Server) handleMetricsSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		s.writeJSON(w, http.StatusOK, metrics.GetAllMetrics())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
