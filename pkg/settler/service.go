// Package settler wires the intent book, the ledger adapter and the servers into one service.
package settler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/speedrun-hq/speedrun-settler/pkg/api"
	"github.com/speedrun-hq/speedrun-settler/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settler/pkg/config"
	"github.com/speedrun-hq/speedrun-settler/pkg/health"
	"github.com/speedrun-hq/speedrun-settler/pkg/intake"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/jsonrpc"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/memledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/wsstream"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/reconciler"
	"github.com/speedrun-hq/speedrun-settler/pkg/settlement"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/bolt"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/memory"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/postgres"
)

const (
	// ledgerBreaker names the circuit breaker guarding ledger calls
	ledgerBreaker = "ledger"

	pendingJobsBuffer = 100
)

// memoryLPInventory is the unissued LP minted into each pool account in memory mode
var memoryLPInventory = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

// Service runs the settler: API, health server, deposit reconciler, settlement workers
// and the housekeeping loops
type Service struct {
	config *config.Config
	logger logger.Logger

	store     storage.Store
	ledger    ledger.Client
	memLedger *memledger.Ledger
	rpcClient *jsonrpc.Client

	pools      *pool.Registry
	book       *intents.Book
	view       *pool.View
	quoter     *quote.Quoter
	intake     *intake.Service
	breaker    *circuitbreaker.CircuitBreaker
	retries    *settlement.RetryManager
	executor   *settlement.Executor
	reconciler *reconciler.Reconciler
	api        *api.Server
	health     *health.Server
	metrics    *MetricsManager

	pendingJobs chan settleJob
	inFlight    map[string]struct{}
	mu          sync.Mutex
}

// NewService creates a new settler service
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	return newService(ctx, cfg, log)
}

func newService(ctx context.Context, cfg *config.Config, log logger.Logger) (*Service, error) {
	s := &Service{
		config:      cfg,
		logger:      log,
		pendingJobs: make(chan settleJob, pendingJobsBuffer),
		inFlight:    make(map[string]struct{}),
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	s.store = store

	capability, err := s.connectLedger(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	if err := s.buildPools(); err != nil {
		s.close()
		return nil, err
	}

	s.book = intents.NewBook(store, log)
	s.view = pool.NewView(s.ledger, s.book)
	s.quoter = quote.NewQuoter(s.pools, s.view)
	s.intake = intake.NewService(s.book, s.quoter, cfg.Intents.TTL, log)

	cb := cfg.CircuitBreaker
	s.breaker = circuitbreaker.NewCircuitBreaker(ledgerBreaker, cb.Enabled, cb.Threshold, cb.WindowDuration, cb.ResetTimeout, log)
	s.retries = settlement.NewRetryManager(cfg.MaxRetries, 0, 0, log)
	s.executor = settlement.NewExecutor(s.book, s.pools, s.view, s.ledger, s.breaker, s.retries, log)

	s.reconciler, err = reconciler.New(s.book, s.pools, capability, store, reconciler.Config{
		PollInterval: cfg.Ledger.PollingInterval,
		PageSize:     cfg.Ledger.PageSize,
	}, log)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	s.api = api.NewServer(api.Config{
		Intake:   s.intake,
		Quoter:   s.quoter,
		Executor: s.executor,
		Book:     s.book,
		Limiter:  api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Logger:   log,
	})
	s.health = health.NewServer(health.Config{
		Port:          cfg.MetricsPort,
		MetricsAPIKey: cfg.MetricsAPIKey,
		LedgerMode:    cfg.Ledger.Mode,
		DepositMode:   s.reconciler.Mode(),
		Ledger:        s.ledger,
		Pools:         s.pools,
		Reserves:      s.view,
		Book:          s.book,
		Breaker:       s.breaker,
		Logger:        log,
	})
	s.metrics = NewMetricsManager(s.book, s.pools, s.view, log)

	log.Info("Settler configured: ledger=%s deposits=%s store=%s pools=%d auto_settle=%v",
		cfg.Ledger.Mode, s.reconciler.Mode(), cfg.Store.Backend, len(s.pools.Pools()), cfg.AutoSettle)
	return s, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StoreBolt:
		return bolt.Open(cfg.BoltPath)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.StoreMemory, "":
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
}

// connectLedger selects the ledger client and the deposit capability
func (s *Service) connectLedger(ctx context.Context) (ledger.Capability, error) {
	cfg := s.config.Ledger
	if cfg.Mode == config.LedgerModeMemory {
		s.memLedger = memledger.New()
		s.ledger = s.memLedger
		// the in-memory history is complete, so polling also picks up deposits made before start
		return ledger.PollCapability(s.memLedger), nil
	}

	client, err := jsonrpc.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return ledger.Capability{}, err
	}
	s.rpcClient = client
	s.ledger = client

	if cfg.WSURL != "" {
		return ledger.PushCapability(wsstream.New(cfg.WSURL, nil, s.logger)), nil
	}
	return ledger.PollCapability(client), nil
}

func (s *Service) buildPools() error {
	pools := make([]pool.Pool, 0, len(s.config.Pools))
	for _, pc := range s.config.Pools {
		account, err := s.ledger.DeriveAccount(s.config.Ledger.Seed, pc.AccountIndex)
		if err != nil {
			return fmt.Errorf("failed to derive account for pool %s: %w", pc.QuoteToken, err)
		}
		pools = append(pools, pool.Pool{
			QuoteToken:    pc.QuoteToken,
			QuoteDecimals: pc.QuoteDecimals,
			LPToken:       pc.LPToken,
			LPDecimals:    pc.LPDecimals,
			FeeBps:        pc.FeeBps,
			Account:       account,
		})
	}

	registry, err := pool.NewRegistry(s.config.BaseToken, s.config.BaseDecimals, pools)
	if err != nil {
		return fmt.Errorf("invalid pool configuration: %w", err)
	}
	s.pools = registry

	if s.memLedger != nil {
		for _, p := range registry.Pools() {
			s.memLedger.Mint(p.Account.Address, p.LPToken, memoryLPInventory)
		}
	}

	for _, p := range registry.Pools() {
		s.logger.Info("Pool %s/%s (LP %s, fee %d bps) at %s", p.BaseToken, p.QuoteToken, p.LPToken, p.FeeBps, p.Account.Address)
	}
	return nil
}

// Start recovers interrupted settlements, then runs every component until ctx is done
// or one of them fails
func (s *Service) Start(ctx context.Context) error {
	defer s.close()

	recovered, err := s.book.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight settlements: %w", err)
	}
	for _, id := range recovered {
		s.logger.Notice("Intent %s was settling at shutdown, queued for reconciliation", id)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.api.Run(ctx, ":"+s.config.APIPort) })
	g.Go(func() error { return s.health.Start(ctx) })
	g.Go(func() error { return s.reconciler.Run(ctx) })
	g.Go(func() error {
		s.executor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.pruneLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.metrics.StartMetricsUpdater(ctx)
		return nil
	})

	if s.config.AutoSettle {
		s.logger.Info("Starting %d settlement workers", s.config.WorkerCount)
		for i := 0; i < s.config.WorkerCount; i++ {
			id := i
			g.Go(func() error {
				s.worker(ctx, id)
				return nil
			})
		}
		g.Go(func() error {
			s.dispatchFilled(ctx)
			return nil
		})
	}

	if s.memLedger != nil && s.config.Ledger.DevPort != "" {
		g.Go(func() error { return s.serveDevLedger(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("Settler stopped")
	return nil
}

// pruneLoop expires overdue intents and purges old terminal ones
func (s *Service) pruneLoop(ctx context.Context) {
	interval := s.config.Intents.PruneInterval
	if interval <= 0 {
		interval = config.DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Prune loop shutting down")
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	now := s.book.Now()
	expired, err := s.book.PruneExpired(ctx, now)
	if err != nil {
		s.logger.Error("Failed to prune expired intents: %v", err)
	} else if len(expired) > 0 {
		s.logger.Info("Expired %d intents", len(expired))
	}

	if s.config.Intents.Retention <= 0 {
		return
	}
	purged, err := s.book.PurgeTerminal(ctx, now.Add(-s.config.Intents.Retention))
	if err != nil {
		s.logger.Error("Failed to purge terminal intents: %v", err)
	} else if purged > 0 {
		s.logger.Debug("Purged %d terminal intents", purged)
	}
}

// serveDevLedger exposes the in-memory ledger over JSON-RPC, on HTTP and websocket
func (s *Service) serveDevLedger(ctx context.Context) error {
	rpcServer, err := jsonrpc.NewServer(s.memLedger)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	wsHandler := rpcServer.WebsocketHandler([]string{"*"})
	srv := &http.Server{
		Addr: ":" + s.config.Ledger.DevPort,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				wsHandler.ServeHTTP(w, r)
				return
			}
			rpcServer.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Notice("Serving in-memory ledger over JSON-RPC on port %s", s.config.Ledger.DevPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dev ledger server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Service) close() {
	if s.rpcClient != nil {
		s.rpcClient.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close store: %v", err)
		}
	}
}
