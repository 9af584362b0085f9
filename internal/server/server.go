// Package server provides the HTTP server and routing for the dotation engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/modules/envelope"
	"github.com/collectivites/gsl/internal/modules/simulation"
	"github.com/collectivites/gsl/internal/services/dotations"
)

// Engine is the set of engine operations exposed over HTTP.
type Engine interface {
	IngestCase(ctx context.Context, number int64) (*dotations.ProjectView, error)
	RecomputeProject(ctx context.Context, projectID string) (*dotations.ProjectView, error)
	ProjectAggregateStatus(ctx context.Context, projectID string) (domain.TrackStatus, error)
	ResolveRootEnvelope(ctx context.Context, trackID string, allowNextYear bool) (*envelope.Envelope, error)
	PropagateTrack(ctx context.Context, trackID string) (*simulation.Result, error)
	RevertProject(ctx context.Context, projectID string) (*dotations.ProjectView, error)
	DecideDraft(ctx context.Context, draftID string, decision dotations.DraftDecision) (*dotations.DraftDecisionResult, error)
}

// Envelopes is the envelope store operations exposed over HTTP.
type Envelopes interface {
	Delete(ctx context.Context, id string) error
	Summarize(ctx context.Context, id string) (*envelope.Summary, error)
}

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	DataDir   string
	Engine    Engine
	Envelopes Envelopes
	EventBus  *events.Bus
	DB        *database.DB
	Gatherer  prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	port      int
	engine    Engine
	envelopes Envelopes
	eventBus  *events.Bus
	gatherer  prometheus.Gatherer
	system    *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		port:      cfg.Port,
		engine:    cfg.Engine,
		envelopes: cfg.Envelopes,
		eventBus:  cfg.EventBus,
		gatherer:  gatherer,
		system:    NewSystemHandlers(cfg.DB, cfg.DataDir, cfg.Log),
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.DevMode)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // The event stream is long-lived; API routes carry their own timeout
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(devMode bool) {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		// Outside the timeout and compression group: the stream is long-lived
		if s.eventBus != nil {
			r.Get("/events/ws", NewEventsStreamHandler(s.eventBus, s.log).ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			if !devMode {
				r.Use(middleware.Compress(5))
			}

			r.Get("/system/status", s.system.HandleSystemStatus)

			r.Post("/webhooks/case", s.handleCaseWebhook)

			r.Route("/projects/{id}", func(r chi.Router) {
				r.Get("/status", s.handleProjectStatus)
				r.Post("/recompute", s.handleRecomputeProject)
				r.Post("/revert", s.handleRevertProject)
			})

			r.Route("/tracks/{id}", func(r chi.Router) {
				r.Get("/root-envelope", s.handleRootEnvelope)
				r.Post("/propagate", s.handlePropagateTrack)
			})

			r.Put("/drafts/{id}/decision", s.handleDraftDecision)

			r.Route("/envelopes/{id}", func(r chi.Router) {
				r.Get("/summary", s.handleEnvelopeSummary)
				r.Delete("/", s.handleDeleteEnvelope)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
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
