// Package health serves the relay's /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Check reports the health of one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Server provides HTTP health check endpoints.
type Server struct {
	addr   string
	checks map[string]Check
	logger zerolog.Logger
	server *http.Server
}

// NewServer creates a health server listening on addr. checks maps a
// dependency name ("broker", "redis") to its check.
func NewServer(addr string, checks map[string]Check, logger zerolog.Logger) *Server {
	return &Server{addr: addr, checks: checks, logger: logger}
}

// Handler returns the HTTP handler serving /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	return mux
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("event", "health_server_failed").Str("addr", s.addr).Msg("health server stopped")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Response is the JSON body of /healthz.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Errors map[string]string `json:"errors,omitempty"`
}

// healthCheckHandler handles GET /healthz.
// Returns 200 OK when every check passes, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	response := Response{Status: "healthy", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			response.Status = "unhealthy"
			response.Checks[name] = "disconnected"
			if response.Errors == nil {
				response.Errors = make(map[string]string)
			}
			response.Errors[name] = err.Error()
			continue
		}
		response.Checks[name] = "connected"
	}

	code := http.StatusOK
	if response.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
