package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// Server is the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server with all routes configured.
func NewServer(handler *Handler, config domain.ServerConfig) *Server {
	router := chi.NewRouter()

	// Global middleware
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no merchant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Merchant-scoped API routes
	router.Route("/", func(r chi.Router) {
		r.Use(MerchantMiddleware)

		// Admission
		r.Post("/admit", handler.Admit)
		r.Post("/preview", handler.Preview)

		// Receipt ingestion
		r.Post("/receipts", handler.IngestReceipt)

		// Configuration
		r.Route("/config", func(r chi.Router) {
			r.Put("/baseline", handler.PutBaseline)
			r.Get("/{document}", handler.GetConfigDocument)
			r.Put("/{document}", handler.PutConfigDocument)
		})

		// Counters
		r.Post("/limits/reset", handler.ResetLimits)

		// Findings
		r.Get("/findings", handler.ListFindings)
		r.Delete("/findings/{id}", handler.ClearFinding)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  config,
	}
}

// Start begins serving HTTP requests. Blocks until the server stops.
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the API handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
