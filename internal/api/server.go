package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensalud/convenia/internal/audit"
	"github.com/opensalud/convenia/internal/domain"
	"github.com/opensalud/convenia/internal/engine"
	"github.com/opensalud/convenia/internal/tariff"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, engineCfg domain.EngineConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, recorder *audit.Recorder, tariffs *tariff.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, recorder, tariffs, engineCfg, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Attention settlement
		r.Post("/settle", handler.Settle)

		// Settlement retrieval
		r.Get("/settlements/{id}", handler.GetSettlement)

		// Attention retrieval
		r.Get("/attentions/{id}", handler.GetAttention)
		r.Get("/attentions/{id}/settlements", handler.ListAttentionSettlements)

		// Convenio catalog management
		r.Get("/convenios", handler.ListConvenios)
		r.Get("/convenios/{id}", handler.GetConvenio)
		r.Post("/convenios", handler.CreateConvenio)
		r.Put("/convenios/{id}", handler.UpdateConvenio)
		r.Delete("/convenios/{id}", handler.DeleteConvenio)
		r.Post("/convenios/reload", handler.ReloadConvenios)

		// Arancel management
		r.Get("/aranceles/{code}", handler.GetArancel)
		r.Put("/aranceles/{code}", handler.PutArancel)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
