// Package api provides the administrative HTTP API: health, metrics, cache
// invalidation and read-only views of offers and inventory matches.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invdhcp/invdhcpd/internal/config"
	"github.com/invdhcp/invdhcpd/internal/dhcp"
	"github.com/invdhcp/invdhcpd/internal/inventory"
)

// Controller is the part of the DHCP server the API drives. Calls are
// served by the dispatch goroutine between datagrams.
type Controller interface {
	ClearCaches(ctx context.Context) (int, error)
	Offers(ctx context.Context) ([]dhcp.OfferInfo, error)
}

// Server is the admin HTTP API server.
type Server struct {
	cfg        config.APIConfig
	controller Controller
	gateway    inventory.Gateway
	portKey    string
	portNumber int
	logger     *slog.Logger
	httpServer *http.Server
	auth       *AuthMiddleware
	startTime  time.Time
	version    string
}

// NewServer creates a new API server. Host lookups query gateway directly,
// bypassing the DHCP caches.
func NewServer(cfg *config.Config, controller Controller, gateway inventory.Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg.API,
		controller: controller,
		gateway:    gateway,
		portKey:    inventory.PortKey(cfg.Policy.PrimaryPort),
		portNumber: cfg.PortNumber(),
		logger:     logger,
		auth:       NewAuthMiddleware(cfg.API.TokenHash, logger),
		startTime:  time.Now(),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Handler returns the routed handler with metrics instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address. Call this
// synchronously to catch port conflicts before serving in the background.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.Listen, err)
	}
	if !s.auth.AuthRequired() {
		s.logger.Warn("api token_hash not set, admin endpoints are unauthenticated")
	}
	s.logger.Info("api server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics and health (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/cache/clear", s.auth.RequireAuth(s.handleClearCache))
	mux.HandleFunc("GET /api/v1/offers", s.auth.RequireAuth(s.handleListOffers))
	mux.HandleFunc("GET /api/v1/hosts/{mac}", s.auth.RequireAuth(s.handleLookupHost))
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
