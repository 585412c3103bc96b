// Package server provides the HTTP admin API and event streaming for the
// forecast lifecycle service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"foresight/internal/alerts"
	"foresight/internal/clock"
	"foresight/internal/database"
	"foresight/internal/events"
	"foresight/internal/governance"
	"foresight/internal/outcome"
	"foresight/internal/quality"
	"foresight/internal/resolver"
	"foresight/internal/scheduler"
	"foresight/internal/snapshot"
	"foresight/internal/stats"
)

// Config holds server configuration and the wired services.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	DataDir string

	ForecastDB   *database.DB
	MarketDB     *database.DB
	GovernanceDB *database.DB
	SchedulerDB  *database.DB

	Clock     clock.Clock
	EventBus  *events.Bus
	Resolver  *resolver.Resolver
	Snapshots *snapshot.Repository
	Writer    *snapshot.Writer
	Tracker   *outcome.Tracker
	Outcomes  *outcome.Repository
	Stats     *stats.Repository
	Machine   *governance.Machine
	GovRepo   *governance.Repository
	Alerts    *alerts.Repository
	Scheduler *scheduler.Scheduler
	SchedRepo *scheduler.Repository

	LiveWindow    int
	MinSamples    int
	DefaultWindow int
	DecayTauDays  float64
	Thresholds    quality.DriftThresholds
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     Config
	system  *SystemHandlers
	handler *LifecycleHandlers
}

// New creates the HTTP server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.system = NewSystemHandlers(cfg.Log, cfg.DataDir,
		cfg.ForecastDB, cfg.MarketDB, cfg.GovernanceDB, cfg.SchedulerDB)
	s.handler = NewLifecycleHandlers(cfg, cfg.Log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream must come before the JSON routes.
		streamHandler := NewEventsStreamHandler(s.cfg.EventBus, s.log)
		r.Get("/events/stream", streamHandler.ServeHTTP)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.system.HandleSystemStatus)
			r.Get("/database/stats", s.system.HandleDatabaseStats)
			r.Get("/disk", s.system.HandleDiskUsage)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Post("/", s.handler.HandleCreateSnapshot)
			r.Get("/{symbol}", s.handler.HandleListSnapshots)
		})

		r.Post("/outcomes/resolve", s.handler.HandleResolveDue)

		r.Get("/stats", s.handler.HandleQueryStats)
		r.Get("/drift/{symbol}", s.handler.HandleQueryDrift)

		r.Route("/governance", func(r chi.Router) {
			r.Get("/{symbol}", s.handler.HandleGetGovernance)
			r.Get("/{symbol}/history", s.handler.HandleGovernanceHistory)
			r.Post("/{symbol}/override", s.handler.HandleOverride)
		})

		r.Get("/alerts/{symbol}", s.handler.HandleRecentAlerts)

		r.Post("/resolver/decide", s.handler.HandleResolve)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{jobID}", s.handler.HandleJobState)
			r.Get("/{jobID}/runs", s.handler.HandleJobRuns)
			r.Post("/{jobID}/enable", s.handler.HandleEnableJob)
			r.Post("/{jobID}/disable", s.handler.HandleDisableJob)
			r.Post("/{jobID}/run", s.handler.HandleRunJob)
			r.Post("/{jobID}/cancel", s.handler.HandleCancelJob)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
