package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatsFunc supplies the payload for the /stats endpoint, typically the
// storage backend's counters.
type StatsFunc func(ctx context.Context) (any, error)

// Server provides HTTP endpoints for observability: health probes,
// storage stats, and Prometheus metrics. It is read-only by design;
// operational tooling consumes it for status and readiness reporting.
type Server struct {
	httpServer *http.Server
	port       int
	checker    *HealthChecker
	stats      StatsFunc
}

// NewServer creates a new observability server around the given checker.
// statsFn may be nil, in which case /stats serves 404.
func NewServer(port int, checker *HealthChecker, statsFn StatsFunc) *Server {
	return &Server{
		port:    port,
		checker: checker,
		stats:   statsFn,
	}
}

// Start starts the observability server. It blocks until the server
// stops, mirroring http.Server.ListenAndServe.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler(s.checker))
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler(s.checker))

	// Storage stats endpoint
	mux.HandleFunc("/stats", s.statsHandler)

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.NotFound(w, r)
		return
	}
	payload, err := s.stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
