package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/perch-labs/switchyard/internal/api/ws"
	"github.com/perch-labs/switchyard/internal/config"
	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/router"
	"github.com/perch-labs/switchyard/internal/server/middleware"
	redisstore "github.com/perch-labs/switchyard/internal/store/redis"
)

// Server is the HTTP server wiring the two planes: the tenant data plane
// (host-routed, lease-bound) and the operator admin plane.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	tenants    *router.Router
	registry   domain.TenantRegistry
	bus        *redisstore.Bus
	wsHub      *ws.Hub
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the background
// goroutines owned by rate limiters.
func New(ctx context.Context, cfg *config.Config, registry domain.TenantRegistry, tenants *router.Router, bus *redisstore.Bus) *Server {
	r := chi.NewRouter()

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	hub := ws.NewHub(bus)

	s := &Server{
		router:   r,
		tenants:  tenants,
		registry: registry,
		bus:      bus,
		wsHub:    hub,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Tenant data plane: every request below /t is resolved from its host
	// and bound to a store lease before any handler runs.
	r.Route("/t", func(r chi.Router) {
		r.Use(middleware.TenantBind(tenants))
		r.Use(middleware.RateLimitByTenant(ctx, cfg.Server.TenantRateLimit, cfg.Server.TenantRateBurst))
		registerDataRoutes(r)
	})

	// Operator admin plane.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RateLimitByIP(ctx, 20, 40))

		apiConfig := huma.DefaultConfig("Switchyard Admin API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAdminRoutes(api, registry, bus)
	})

	// Lifecycle event stream for operator dashboards.
	r.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleViewer))
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus scrape endpoint.
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
