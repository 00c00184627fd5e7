// Package api provides the read-only lease API, the JSON admin surface,
// and the operator user store.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
)

const defaultCacheSize = 256

// Server is the per-node HTTP API.
type Server struct {
	registry     *lease.Registry
	hist         *history.Log
	users        *UserStore
	cache        gcache.Cache
	cacheTTL     time.Duration
	token        string
	addr         string
	historyLimit int
	version      string
	logger       *slog.Logger
	httpServer   *http.Server
	startTime    time.Time
}

// NewServer creates the API server from the web config section.
func NewServer(cfg *config.Config, registry *lease.Registry, hist *history.Log,
	users *UserStore, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry:     registry,
		hist:         hist,
		users:        users,
		cache:        gcache.New(defaultCacheSize).LRU().Build(),
		cacheTTL:     cfg.APICacheTTL(),
		token:        cfg.Web.APIToken,
		addr:         net.JoinHostPort(cfg.Web.Host, fmt.Sprintf("%d", cfg.Web.Port)),
		historyLimit: cfg.Web.LeaseHistoryLimit,
		version:      "dev",
		logger:       logger,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the version string reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithCacheSize overrides the response cache capacity.
func WithCacheSize(n int) ServerOption {
	return func(s *Server) { s.cache = gcache.New(n).LRU().Build() }
}

// Listen binds the API server and prepares routes. Call synchronously to
// catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      newMetricsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.addr, err)
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Start is a convenience that calls Listen + Serve. Blocks until shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics and health (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	// Read API, token guarded
	mux.HandleFunc("GET /api/client/{ip}", s.requireToken(s.handleGetClient))
	mux.HandleFunc("GET /api/clients", s.requireToken(s.handleListClients))
	mux.HandleFunc("GET /api/history", s.requireToken(s.handleHistory))

	// Admin surface, HTTP Basic against the operator user store
	mux.HandleFunc("POST /api/admin/block", s.requireBasic(s.handleBlock))
	mux.HandleFunc("POST /api/admin/unblock", s.requireBasic(s.handleUnblock))
	mux.HandleFunc("POST /api/admin/static", s.requireBasic(s.handleStatic))
	mux.HandleFunc("POST /api/admin/dynamic", s.requireBasic(s.handleDynamic))
	mux.HandleFunc("POST /api/admin/hostname", s.requireBasic(s.handleHostname))
	mux.HandleFunc("POST /api/admin/hostname/reset", s.requireBasic(s.handleHostnameReset))
	mux.HandleFunc("POST /api/admin/trust", s.requireBasic(s.handleTrust))
	mux.HandleFunc("POST /api/admin/reset", s.requireBasic(s.handleReset))
	mux.HandleFunc("POST /api/admin/delete", s.requireBasic(s.handleDelete))
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
