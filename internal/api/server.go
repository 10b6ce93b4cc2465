// Package api serves the relayer's health, metrics, oracle and bot control endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"position-relayer/internal/metrics"
	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
)

// PriceService is the oracle surface exposed over HTTP.
type PriceService interface {
	GetTokenPrice(ctx context.Context, token common.Address, kind oracle.Kind) (oracle.PricePoint, error)
	RefreshTokenPrice(ctx context.Context, token common.Address, kind oracle.Kind) (oracle.PricePoint, error)
	GetCacheStats() oracle.CacheStats
}

// BotService is the rescue actuator surface exposed over HTTP.
type BotService interface {
	GetStatus() rescue.Status
	GetHistory() []rescue.Record
	UpdateConfig(ctx context.Context, upd rescue.ConfigUpdate) (rescue.Config, error)
}

// Dependencies are the components the handlers read from. Oracle, Bot and
// Breaker may be nil; their routes then answer 503.
type Dependencies struct {
	Counters *metrics.Counters
	Breaker  *oracle.Breaker
	Oracle   PriceService
	Bot      BotService
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(deps Dependencies, logger zerolog.Logger) *mux.Router {
	logger = logger.With().Str("component", "http").Logger()
	if deps.Counters == nil {
		deps.Counters = metrics.NewCounters()
	}
	h := &handlers{deps: deps, logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(deps.Counters, h.breakerOpen),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := mux.NewRouter()
	router.Use(recovery(logger), requestLogging(logger))

	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.metrics).Methods(http.MethodGet)
	router.Handle("/metrics/prometheus", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/oracle/stats", h.oracleStats).Methods(http.MethodGet)
	router.HandleFunc("/oracle/price/{token}", h.oraclePrice).Methods(http.MethodGet)
	router.HandleFunc("/oracle/refresh/{token}", h.oracleRefresh).Methods(http.MethodPost)

	router.HandleFunc("/bot/status", h.botStatus).Methods(http.MethodGet)
	router.HandleFunc("/bot/history", h.botHistory).Methods(http.MethodGet)
	router.HandleFunc("/bot/config", h.botConfig).Methods(http.MethodPost)

	return router
}

// Options configure the listener.
type Options struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Server wraps http.Server with context-driven shutdown.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

// NewServer builds a server for handler.
func NewServer(opts Options, handler http.Handler, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http server started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
