// Package server runs the reqprof HTTP endpoint: the profiled demo shop, the
// stored profile API, the live feed and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coral-mesh/reqprof/internal/httpx"
	"github.com/coral-mesh/reqprof/internal/intercept"
	"github.com/coral-mesh/reqprof/internal/live"
	"github.com/coral-mesh/reqprof/internal/metrics"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// Config contains dependencies for creating a Server.
type Config struct {
	// Listen is the host:port to bind.
	Listen string

	// Profiling configures the middleware wrapped around the shop routes.
	Profiling httpx.Config

	// Dispatcher forwards shop service calls to the request profiler.
	Dispatcher *intercept.Dispatcher

	// Store serves the /api routes. The API is not mounted when nil.
	Store storage.Repository
	// URLs is refreshed when the API changes the stored URLs to profile. It
	// may be nil.
	URLs *httpx.URLList

	// Metrics is exposed on MetricsPath when both are set.
	Metrics     *metrics.Metrics
	MetricsPath string

	// Hub is exposed on LivePath when both are set.
	Hub      *live.Hub
	LivePath string

	Logger zerolog.Logger
}

// Server is the reqprof HTTP endpoint.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New creates a server. It does not start listening.
func New(cfg Config) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	logger := cfg.Logger.With().Str("component", "server").Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})

	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, cfg.Metrics.Handler())
		logger.Debug().Str("path", cfg.MetricsPath).Msg("Registered metrics handler")
	}

	if cfg.Hub != nil && cfg.LivePath != "" {
		mux.Handle(cfg.LivePath, live.Handler(cfg.Hub, logger))
		logger.Debug().Str("path", cfg.LivePath).Msg("Registered live feed handler")
	}

	if cfg.Store != nil {
		newAPI(cfg.Store, cfg.URLs, logger).register(mux)
		logger.Debug().Msg("Registered profile API")
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = intercept.NewDispatcher(nil, cfg.Logger)
	}
	shop := http.NewServeMux()
	newShop(dispatcher).register(shop)
	mux.Handle("/shop/", httpx.Middleware(cfg.Profiling)(shop))

	handler := h2c.NewHandler(mux, &http2.Server{})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.logger.Info().Msg("Stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	<-s.done
	return nil
}
