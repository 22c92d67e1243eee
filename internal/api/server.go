package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tidewater/outreach/internal/config"
	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/engine"
	"github.com/tidewater/outreach/internal/ipfilter"
	"github.com/tidewater/outreach/internal/metrics"
	"github.com/tidewater/outreach/internal/repository"
	"github.com/tidewater/outreach/internal/transport"
)

// Server is the HTTP management API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	campaigns *repository.CampaignRepository
	sequences *repository.SequenceRepository
	leads     *repository.LeadRepository
	accounts  *repository.AccountRepository
	records   *repository.SendRecordRepository
	ctrl      *engine.Controller
	queue     dispatch.Queue
	sandbox   *transport.SandboxSender // nil unless the sandbox sender is active

	config    *config.API
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the management API server.
func NewServer(
	campaigns *repository.CampaignRepository,
	sequences *repository.SequenceRepository,
	leads *repository.LeadRepository,
	accounts *repository.AccountRepository,
	records *repository.SendRecordRepository,
	ctrl *engine.Controller,
	queue dispatch.Queue,
	cfg *config.API,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		sequences: sequences,
		leads:     leads,
		accounts:  accounts,
		records:   records,
		ctrl:      ctrl,
		queue:     queue,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes(nil)
	return s
}

// SetSandbox exposes a sandbox sender's captured messages; call before
// ListenAndServe.
func (s *Server) SetSandbox(sb *transport.SandboxSender) {
	s.sandbox = sb
}

// SetMetrics installs HTTP request metrics; call before ListenAndServe.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.router = chi.NewRouter()
	s.setupRoutes(m)
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	if filter := ipfilter.New(s.config.AllowedIPs, s.logger); filter.Enabled() {
		s.router.Use(filter.HTTPMiddleware)
	}
	if m != nil {
		s.router.Use(metrics.HTTPMiddleware(m))
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Get("/{id}/metrics", s.handleCampaignMetrics)
			r.Get("/{id}/records", s.handleCampaignRecords)

			r.Post("/{id}/leads", s.handleImportLeads)
			r.Post("/{id}/accounts", s.handleAssignAccount)

			r.Post("/{id}/start", s.handleAction(s.ctrl.Start))
			r.Post("/{id}/pause", s.handleAction(s.ctrl.Pause))
			r.Post("/{id}/resume", s.handleAction(s.ctrl.Resume))
			r.Post("/{id}/complete", s.handleAction(s.ctrl.Complete))
		})

		r.Post("/accounts", s.handleCreateAccount)
		r.Get("/queue", s.handleQueueStats)
		r.Get("/sandbox/messages", s.handleSandboxMessages)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the underlying router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
