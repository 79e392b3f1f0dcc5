// Package health serves the operational surface: a liveness endpoint
// reflecting direction health and the Prometheus metrics registry. Both
// are read-only projections of scheduler-owned state.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luthatdude/musd-canton-relay/internal/metrics"
	"github.com/luthatdude/musd-canton-relay/internal/relay"
)

// Status is the scheduler-side view the health endpoint projects.
type Status interface {
	Snapshot() []relay.DirectionState
	Degraded() bool
}

// Server exposes /health and /metrics.
type Server struct {
	log  *zap.Logger
	http *http.Server
}

type statusResponse struct {
	Status     string                 `json:"status"`
	Timestamp  string                 `json:"timestamp"`
	Directions []relay.DirectionState `json:"directions"`
}

// New builds the server. bearerToken, when non-empty, gates /metrics.
func New(addr string, rl Status, met *metrics.Set, bearerToken string, log *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{
			Status:     "ok",
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Directions: rl.Snapshot(),
		}
		if rl.Degraded() {
			resp.Status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	metricsHandler := promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if bearerToken != "" && req.Header.Get("Authorization") != "Bearer "+bearerToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		metricsHandler.ServeHTTP(w, req)
	})

	return &Server{
		log: log,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the router for in-process serving and tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server stopped", zap.Error(err))
		}
	}()
	s.log.Info("health server listening", zap.String("addr", s.http.Addr))
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
