// Package server exposes the operator HTTP surface: proposal review,
// execution triggers, portfolio and analytics queries, dead-letter and
// reconciliation management.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/backtest"
	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/quant"
	"github.com/web3guy0/spotbot/internal/report"
	"github.com/web3guy0/spotbot/internal/trading"
)

// Deps carries every collaborator the handlers touch. Stream may be
// nil; the health check then reports it as down without failing.
type Deps struct {
	Cfg        *config.Config
	Store      *database.Database
	Broker     binance.Broker
	Stream     *binance.PriceStream
	Engine     *trading.Engine
	Reconciler *trading.Reconciler
	Portfolio  *portfolio.Manager
	Collector  *datafeed.Collector
	Pipeline   *quant.Pipeline
	Backtests  *backtest.Runner
	Reporter   *report.Reporter
}

type Server struct {
	deps   Deps
	router *chi.Mux
	server *http.Server
}

func New(deps Deps) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         deps.Cfg.ServerAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Post("/", s.handleCreateProposal)
			r.Get("/{id}", s.handleGetProposal)
			r.Patch("/{id}", s.handleReviewProposal)
		})
		r.Post("/execute", s.handleExecute)
		r.Get("/portfolio", s.handlePortfolio)

		r.Route("/klines", func(r chi.Router) {
			r.Get("/status/all", s.handleKlineStatus)
			r.Post("/backfill", s.handleBackfill)
			r.Get("/{symbol}", s.handleKlines)
		})
		r.Route("/indicators", func(r chi.Router) {
			r.Get("/{symbol}", s.handleLiveIndicators)
			r.Get("/{symbol}/stored", s.handleStoredIndicators)
		})
		r.Route("/analysis", func(r chi.Router) {
			r.Get("/{symbol}", s.handleAnalysis)
			r.Get("/{symbol}/entropy", s.handleEntropy)
		})

		r.Route("/backtest", func(r chi.Router) {
			r.Post("/run", s.handleBacktestRun)
			r.Get("/results", s.handleBacktestResults)
			r.Get("/results/{id}", s.handleBacktestResult)
			r.Get("/strategies", s.handleBacktestStrategies)
			r.Get("/presets", s.handleBacktestPresets)
			r.Post("/benchmark", s.handleBacktestBenchmark)
		})

		r.Route("/quant", func(r chi.Router) {
			r.Get("/status", s.handleQuantStatus)
			r.Get("/performance", s.handleQuantPerformance)
			r.Get("/health", s.handleQuantHealth)
			r.Get("/snapshot/{symbol}", s.handleQuantSnapshot)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/{id}/retry", s.handleRetryDeadLetter)
			r.Post("/{id}/cancel", s.handleCancelDeadLetter)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", s.handleReconciliationRun)
			r.Get("/latest", s.handleReconciliationLatest)
			r.Get("/history", s.handleReconciliationHistory)
		})
		r.Post("/reports/daily", s.handleDailyReport)
	})
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("🌐 API server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("🌐 API server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requireAuth enforces the shared bearer secret on everything except
// the health probe.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.deps.Cfg.BackendSecret
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			respondErr(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondErr(w http.ResponseWriter, status int, detail string) {
	respond(w, status, map[string]string{"detail": detail})
}

// respondStoreErr maps the error taxonomy onto HTTP statuses: missing
// rows 404, illegal transitions 400, guarded-update races 409,
// everything else 500.
func respondStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trading.ErrIllegalTransition):
		respondErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrConflict):
		respondErr(w, http.StatusConflict, err.Error())
	default:
		respondErr(w, http.StatusInternalServerError, err.Error())
	}
}
