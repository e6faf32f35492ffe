// Package server implements the gateway's HTTP and WebSocket front ends
// and the supervisor that wires them to the registry, resolver, and swarm
// adapter.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wolfeidau/dat-gateway/registry"
	"github.com/wolfeidau/dat-gateway/resolver"
	"github.com/wolfeidau/dat-gateway/swarm"
	"github.com/wolfeidau/dat-gateway/telemetry"
)

// Config configures the gateway.
type Config struct {
	// Address to listen on (e.g. ":8080").
	Address string

	// StorageDir is the filesystem directory used for archiver metadata
	// and feed block persistence.
	StorageDir string

	// Max is the maximum number of concurrently resident archives.
	Max int

	// TTL is how long an archive may sit unaccessed before the sweeper
	// removes it. Zero disables TTL-based expiry.
	TTL time.Duration

	// SweepPeriod is how often the TTL sweeper runs. Ignored if TTL is
	// zero.
	SweepPeriod time.Duration

	// Redirect enables base32-subdomain addressing.
	Redirect bool

	// RequestTimeout bounds how long a single archive request (admission
	// plus drive read) may take before failing with 404. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger for the gateway. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultRequestTimeout bounds an archive request's admission-plus-serve
// window, distinct from the registry's own (shorter) admission timeout.
const DefaultRequestTimeout = 5 * time.Second

// Server is the gateway supervisor: it owns the swarm adapter, the
// registry, the TTL sweeper, and the HTTP listener.
type Server struct {
	config Config
	logger *slog.Logger

	resolver *resolver.Resolver
	adapter  swarm.Adapter
	registry *registry.Registry
	sweeper  *registry.Sweeper

	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New constructs a Server. It initializes the swarm adapter, the
// registry, and (if configured) the TTL sweeper, and pre-builds the HTTP
// handler; it does not open a listening socket. Call Start to do that.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "./data"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("server: max must be positive, got %d", cfg.Max)
	}

	adapter, err := swarm.NewLocalAdapter(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("initializing swarm adapter: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Max:         cfg.Max,
		TTL:         cfg.TTL,
		SweepPeriod: cfg.SweepPeriod,
	}, adapter)
	if err != nil {
		return nil, fmt.Errorf("initializing registry: %w", err)
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		resolver: resolver.New(resolver.WithLogger(cfg.Logger.With("component", "resolver"))),
		adapter:  adapter,
		registry: reg,
		sweeper:  registry.NewSweeper(reg, cfg.TTL, cfg.SweepPeriod),
		upgrader: websocket.Upgrader{
			EnableCompression: false,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(gzipMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("GET /{rest...}", s.handleArchive)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "internal")
	telemetry.SetEndpoint(r, "landing")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(landingPage)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "internal")
	telemetry.SetEndpoint(r, "stats")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	stats := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"resident":%d,"capacity":%d,"oldest_access":%q,"newest_access":%q}`,
		stats.Resident,
		stats.Capacity,
		stats.Oldest.Format(time.RFC3339),
		stats.Newest.Format(time.RFC3339),
	)
}

// Start binds the listener and begins serving. It also starts the TTL
// sweeper, which is a no-op if TTL/SweepPeriod are not both configured.
func (s *Server) Start() error {
	s.sweeper.Start(context.Background())
	s.logger.Info("starting gateway", "address", s.config.Address, "storage_dir", s.config.StorageDir)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections, cancels the sweeper, drains
// in-flight requests best-effort, and removes every resident archive
// (which triggers swarm leave and drive close for each).
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	s.sweeper.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := s.registry.Close(ctx); err != nil {
		return fmt.Errorf("closing registry: %w", err)
	}
	return s.adapter.Close()
}

// Address returns the gateway's configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}
