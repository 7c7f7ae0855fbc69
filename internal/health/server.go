// Package health serves the liveness probe hosting platforms poll to keep
// the bot process alive, plus the Prometheus scrape endpoint.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/rs/zerolog"
)

const body = "Bot is running!"

// Options configures the liveness server.
type Options struct {
	Host string
	Port int
	// Metrics mounts /metrics when set.
	Metrics bool
}

// Server is the liveness HTTP server
type Server struct {
	options  Options
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
	started  time.Time
	mu       sync.Mutex
}

// NewServer creates a liveness server. Port 0 picks a free port.
func NewServer(options Options, logger zerolog.Logger) *Server {
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	return &Server{
		options: options,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.options.Metrics {
		mux.Handle("/metrics", observability.MetricsHandler())
	}
	mux.HandleFunc("/health", s.handleAlive)
	mux.HandleFunc("/", s.handleAlive)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("health server already started")
	}

	addr := net.JoinHostPort(s.options.Host, fmt.Sprintf("%d", s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Health server listening")

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Health server stopped unexpectedly")
		}
	}(s.server)

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown health server: %w", err)
	}

	s.logger.Info().Msg("Health server stopped")
	return nil
}

// handleAlive answers every GET with a fixed plain-text body. Requests are
// not logged; probes arrive every few seconds.
func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(body))
	}
}
