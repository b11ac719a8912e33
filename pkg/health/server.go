package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

const probeTimeout = 3 * time.Second

// Config holds what the health server reports on
type Config struct {
	Port          string
	MetricsAPIKey string
	LedgerMode    string
	DepositMode   string
	Ledger        ledger.Client
	Pools         *pool.Registry
	Reserves      quote.ReserveReader
	Book          *intents.Book
	Breaker       *circuitbreaker.CircuitBreaker
	Logger        logger.Logger
}

// Server represents a health check HTTP server
type Server struct {
	cfg     Config
	handler http.Handler
}

// NewServer creates a new health check server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = &logger.EmptyLogger{}
	}
	s := &Server{cfg: cfg}
	s.handler = s.routes()
	return s
}

// Handler exposes the endpoints for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.cfg.MetricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.cfg.MetricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Ready once the ledger answers a supply query for every pool
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		for _, p := range s.cfg.Pools.Pools() {
			if _, err := s.cfg.Ledger.TotalSupply(ctx, p.LPToken); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("Ledger not reachable for pool %s: %v", p.ID, err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	mux.HandleFunc("/status", s.status)

	// Circuit breaker admin control endpoint
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.cfg.Breaker == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("No circuit breaker configured"))
			return
		}
		s.cfg.Breaker.Reset()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker %s reset", s.cfg.Breaker.Name())))
	})

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	return mux
}

type poolStatus struct {
	Account      string `json:"account"`
	FeeBps       uint32 `json:"fee_bps"`
	ReserveBase  string `json:"reserve_base,omitempty"`
	ReserveQuote string `json:"reserve_quote,omitempty"`
	LPSupply     string `json:"lp_supply,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := map[string]interface{}{
		"ledger_mode":  s.cfg.LedgerMode,
		"deposit_mode": s.cfg.DepositMode,
	}

	if s.cfg.Breaker != nil {
		status["circuit"] = s.cfg.Breaker.Snapshot()
	}

	base := s.cfg.Pools.BaseToken()
	baseDecimals, _ := s.cfg.Pools.Decimals(base)
	pools := make(map[string]poolStatus)
	for _, p := range s.cfg.Pools.Pools() {
		ps := poolStatus{Account: p.Account.Address, FeeBps: p.FeeBps}
		reserves, err := s.cfg.Reserves.Reserves(ctx, p)
		if err != nil {
			ps.Error = err.Error()
		} else {
			ps.ReserveBase = amount.Format(reserves.ReserveBase, baseDecimals)
			ps.ReserveQuote = amount.Format(reserves.ReserveQuote, p.QuoteDecimals)
			ps.LPSupply = amount.Format(reserves.TotalLPSupply, p.LPDecimals)
		}
		pools[p.ID] = ps
	}
	status["pools"] = pools

	if s.cfg.Book != nil {
		if all, err := s.cfg.Book.List(ctx, storage.ListFilter{}); err == nil {
			counts := make(map[models.Status]int)
			queued := 0
			for _, intent := range all {
				counts[intent.Status]++
				if intent.NeedsReconciliation {
					queued++
				}
			}
			status["intents"] = counts
			status["reconciliation_queue"] = queued
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.cfg.Logger.Error("Error encoding status JSON: %v", err)
	}
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("Starting health and metrics server on port %s", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
