package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PortNumber53/family-membership/internal/config"
	"github.com/PortNumber53/family-membership/internal/handlers"
	"github.com/PortNumber53/family-membership/internal/middleware"
	"github.com/PortNumber53/family-membership/internal/worker"
)

// Routes are the handlers mounted by the server. Nil handlers are skipped.
type Routes struct {
	Membership    *handlers.MembershipHandler
	Notifications *handlers.NotificationHandler
	Family        *handlers.FamilyHandler
	Webhook       *handlers.WebhookHandler

	// Auth guards the membership, notification and family routes.
	Auth *middleware.Authenticator

	// Metrics instruments every request when set. Gatherer backs /metrics and
	// defaults to the global registry.
	Metrics  *middleware.HTTPMetrics
	Gatherer prometheus.Gatherer

	// HealthChecks are run by /healthz.
	HealthChecks map[string]handlers.Check
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	sweeper    *worker.Worker
}

// New constructs an HTTP server. sweeper may be nil.
func New(cfg config.Config, routes Routes, sweeper *worker.Worker) *Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	if routes.Metrics != nil {
		router.Use(routes.Metrics.Middleware)
	}

	gatherer := routes.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.Get("/healthz", handlers.Health(routes.HealthChecks))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if routes.Webhook != nil {
		routes.Webhook.RegisterRoutes(router)
	}

	router.Group(func(r chi.Router) {
		if routes.Auth != nil {
			r.Use(routes.Auth.RequireUser)
		} else {
			log.Println("[server] No authenticator configured, user routes will reject every request")
		}
		if routes.Membership != nil {
			routes.Membership.RegisterRoutes(r)
		}
		if routes.Notifications != nil {
			routes.Notifications.RegisterRoutes(r)
		}
		if routes.Family != nil {
			routes.Family.RegisterRoutes(r)
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, sweeper: sweeper}
}

// Start begins serving HTTP traffic and starts the sweeper.
func (s *Server) Start() error {
	if s.sweeper != nil {
		log.Println("[server] Starting pending-change sweeper...")
		s.sweeper.Start(context.Background())
	}
	log.Printf("[server] Listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeper != nil {
		log.Println("[server] Shutting down pending-change sweeper...")
		if err := s.sweeper.Stop(ctx); err != nil {
			log.Printf("[server] Sweeper shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
