package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/drip"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/store"
	"github.com/foxzi/dripline/internal/template"
)

// Version is reported by the health endpoint
var Version = "dev"

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	ingester   *drip.Ingester
	queue      queue.Queue
	tracker    *Tracker
	limiter    *ratelimit.Limiter
	templates  *template.Engine
	validate   *validator.Validate
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(s *store.Store, ingester *drip.Ingester, q queue.Queue, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		ingester:  ingester,
		queue:     q,
		tracker:   NewTracker(s, 0, 0, logger),
		templates: template.NewEngine(),
		validate:  validator.New(),
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

// SetLimiter exposes mailbox quota usage through the API
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/track/open/{logId}", s.handleTrackOpen)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/mailboxes", s.handleCreateMailbox)
		r.Get("/mailboxes", s.handleListMailboxes)
		r.Get("/mailboxes/{id}/usage", s.handleMailboxUsage)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Put("/campaigns/{id}", s.handleUpdateCampaign)
		r.Delete("/campaigns/{id}", s.handleDeleteCampaign)
		r.Put("/campaigns/{id}/status", s.handleUpdateCampaignStatus)
		r.Post("/campaigns/{id}/steps", s.handleAddStep)
		r.Post("/campaigns/{id}/leads", s.handleIngestLeads)
		r.Get("/campaigns/{id}/leads", s.handleListLeads)

		r.Get("/leads/{id}", s.handleGetLead)
		r.Put("/leads/{id}", s.handleUpdateLead)
		r.Delete("/leads/{id}", s.handleDeleteLead)
		r.Get("/leads/{id}/logs", s.handleListLogs)

		r.Get("/jobs/dead", s.handleDeadJobs)
		r.Post("/jobs/dead/{id}/retry", s.handleRetryJob)
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and drains pending open updates
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.tracker.Close()
	return err
}
