package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/tollgate-proxy/tollgate/internal/config"
	"github.com/tollgate-proxy/tollgate/internal/ratelimit"
	"github.com/tollgate-proxy/tollgate/internal/state"
)

const defaultMaxBodyBytes = 1 << 20 // admin payloads are small

// ServerConfig wires the single inbound listener: admin CRUD, tenant stats,
// the event channel, and the proxy data plane as the fallback route.
type ServerConfig struct {
	ListenAddress string
	Port          int
	AdminToken    string

	Store   *state.TenantStore
	Models  *config.ModelAllowList
	Limiter *ratelimit.Limiter

	DefaultModel string
	MaxBodyBytes int64

	Metrics MetricsSources

	// EventHandler serves /ws; nil disables the event channel.
	EventHandler http.Handler
	// ProxyHandler receives everything that is not an API route.
	ProxyHandler http.Handler
}

// Server is the HTTP front door for every surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the route table and the underlying http.Server.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Public endpoints.
	mux.Handle("GET /health", HandleHealth())

	// Tenant self-service, authenticated by the tenant's own key.
	mux.Handle("GET /stats", HandleTenantStats(cfg.Store))

	// Admin surface behind the admin credential.
	authed := http.NewServeMux()
	authed.Handle("GET /api/keys", HandleListKeys(cfg.Store))
	authed.Handle("POST /api/keys", HandleCreateKey(cfg.Store, cfg.Models, cfg.DefaultModel))
	authed.Handle("GET /api/keys/{key}", HandleGetKey(cfg.Store))
	authed.Handle("PUT /api/keys/{key}", HandleUpdateKey(cfg.Store, cfg.Models, cfg.Limiter))
	authed.Handle("DELETE /api/keys/{key}", HandleDeleteKey(cfg.Store, cfg.Limiter))
	authed.Handle("GET /api/keys/{key}/usage", HandleKeyUsage(cfg.Store))
	authed.Handle("GET /api/system/metrics", HandleSystemMetrics(cfg.Metrics))

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	limited := RequestBodyLimitMiddleware(maxBody, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limited))

	if cfg.EventHandler != nil {
		mux.Handle("/ws", cfg.EventHandler)
	}

	// Everything else is proxied.
	if cfg.ProxyHandler != nil {
		mux.Handle("/", cfg.ProxyHandler)
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
