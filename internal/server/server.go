// Package server exposes the HTTP control surface: session lifecycle,
// portfolio snapshots, entry requests, signal ingestion and health.
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

	"github.com/aristath/papertrader/internal/database"
	"github.com/aristath/papertrader/internal/market"
	"github.com/aristath/papertrader/internal/modules/analytics"
	"github.com/aristath/papertrader/internal/modules/portfolio"
	"github.com/aristath/papertrader/internal/modules/trading"
	"github.com/aristath/papertrader/internal/signals"
)

// Config holds server configuration and dependencies
type Config struct {
	Port    int
	DevMode bool
	Log     zerolog.Logger

	StateDB  *database.DB
	LedgerDB *database.DB

	Calendar       *market.Calendar
	Sessions       *portfolio.SessionRepository
	Positions      *portfolio.PositionRepository
	Accountant     *portfolio.Accountant
	SessionService *trading.SessionService
	Orders         *trading.PendingOrderRepository
	Trades         *trading.TradeRepository
	Signals        *signals.Repository
	Analytics      *analytics.Engine
}

// Server is the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       Config
	startedAt time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg,
		startedAt: time.Now(),
	}

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

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Patch("/{sessionID}", s.handleAdjustSession)
			r.Post("/{sessionID}/stop", s.handleStopSession)
			r.Get("/{sessionID}/snapshot", s.handleSnapshot)
			r.Get("/{sessionID}/positions", s.handleListPositions)
			r.Get("/{sessionID}/orders", s.handleListOrders)
			r.Get("/{sessionID}/trades", s.handleListTrades)
			r.Get("/{sessionID}/analytics", s.handleAnalytics)
			r.Post("/{sessionID}/buy", s.handleRequestEntry)
		})

		r.Post("/signals", s.handleIngestSignal)

		r.Get("/market/status", s.handleMarketStatus)

		r.Get("/system/health", s.handleHealth)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

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
