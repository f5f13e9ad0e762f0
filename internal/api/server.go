package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// BatchRunner runs the daily scoring batch.
type BatchRunner interface {
	RunDaily(ctx context.Context, day time.Time) (*bus.BatchDailyCompleted, error)
}

// Deps holds the collaborators the HTTP layer serves.
type Deps struct {
	Scoring *service.ScoringService
	Pricing *service.PricingService
	Batch   BatchRunner
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware stack
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader, AdminTokenHeader, "traceparent"},
		ExposedHeaders:   []string{RequestIDHeader, TraceIDHeader, "Retry-After"},
		AllowCredentials: len(cfg.AllowedOrigins) > 0,
		MaxAge:           300,
	}))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	admin := AdminMiddleware(cfg.AdminToken)

	router.Route("/score", func(r chi.Router) {
		r.Get("/user/{id}/latest", handler.LatestUserScore)
		r.Get("/user/{id}/history", handler.ScoreHistory)
		r.Get("/user/{id}/trend", handler.ScoreTrend)
		r.Post("/user/{id}/compute", handler.ComputeUserScore)
		r.Get("/trip/{id}", handler.TripScore)
		r.Post("/compute/trip/{id}", handler.ComputeTripScore)

		r.With(admin).Post("/compute/daily", handler.ComputeDaily)
	})

	router.Route("/pricing", func(r chi.Router) {
		r.Post("/quote", handler.Quote)
		r.Get("/policy/{id}/adjustments", handler.PolicyAdjustments)
		r.Get("/policy/{id}/current-premium", handler.CurrentPremium)
		r.Get("/scenarios", handler.Scenarios)
		r.Post("/impact", handler.Impact)
		r.Get("/fairness", handler.Fairness)

		r.Get("/rules", handler.GetRules)
		r.Get("/rules/versions", handler.RuleVersions)

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Post("/rules", handler.PutRules)
			r.Post("/rules/reload", handler.ReloadRules)
			r.Post("/bulk-adjust", handler.BulkAdjust)
		})
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(admin)
		r.Get("/pricing-metrics", handler.PricingMetrics)
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
