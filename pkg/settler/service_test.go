package settler

import (
	"context"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/config"
	"github.com/speedrun-hq/speedrun-settler/pkg/intake"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/jsonrpc"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/memledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/storagetest"
	"github.com/speedrun-hq/speedrun-settler/pkg/testutil"
)

func memoryConfig() *config.Config {
	return &config.Config{
		APIPort:     "0",
		MetricsPort: "0",
		Ledger: config.LedgerConfig{
			Mode:            config.LedgerModeMemory,
			Seed:            testutil.Seed,
			PollingInterval: 20 * time.Millisecond,
			PageSize:        10,
		},
		Store: config.StoreConfig{Backend: config.StoreMemory},
		Intents: config.IntentConfig{
			TTL:           time.Hour,
			Retention:     time.Hour,
			PruneInterval: 50 * time.Millisecond,
		},
		AutoSettle:   true,
		WorkerCount:  2,
		MaxRetries:   3,
		BaseToken:    testutil.BaseToken,
		BaseDecimals: testutil.Decimals,
		Pools: []config.PoolConfig{{
			QuoteToken:    testutil.QuoteToken,
			QuoteDecimals: testutil.Decimals,
			LPToken:       testutil.LPToken,
			LPDecimals:    testutil.Decimals,
			FeeBps:        testutil.FeeBps,
			AccountIndex:  1,
		}},
	}
}

// start runs s until the test ends and checks it stops cleanly
func start(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(testutil.DefaultTestTimeout):
			t.Error("service did not stop")
		}
	})
}

func TestNewServiceMemoryMode(t *testing.T) {
	s, err := newService(context.Background(), memoryConfig(), &logger.EmptyLogger{})
	require.NoError(t, err)
	defer s.close()

	p, err := s.pools.Get(testutil.QuoteToken)
	require.NoError(t, err)
	assert.Equal(t, "poll", s.reconciler.Mode())

	held, err := s.ledger.BalanceOf(context.Background(), p.Account.Address, testutil.LPToken)
	require.NoError(t, err)
	assert.Equal(t, 0, held.Cmp(memoryLPInventory))

	reserves, err := s.view.Reserves(context.Background(), p)
	require.NoError(t, err)
	assert.Zero(t, reserves.TotalLPSupply.Sign(), "unissued inventory is not circulating")
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Backend = "sqlite"
	_, err := newService(context.Background(), cfg, &logger.EmptyLogger{})
	assert.ErrorContains(t, err, "unsupported store backend")

	cfg = memoryConfig()
	cfg.Ledger.Seed = nil
	_, err = newService(context.Background(), cfg, &logger.EmptyLogger{})
	assert.Error(t, err)
}

func TestNewServiceJSONRPCMode(t *testing.T) {
	backend := memledger.New()
	srv, err := jsonrpc.NewServer(backend)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := memoryConfig()
	cfg.Ledger.Mode = config.LedgerModeJSONRPC
	cfg.Ledger.RPCURL = ts.URL
	s, err := newService(context.Background(), cfg, &logger.EmptyLogger{})
	require.NoError(t, err)
	defer s.close()

	assert.Nil(t, s.memLedger)
	assert.Equal(t, "poll", s.reconciler.Mode())

	p, err := s.pools.Get(testutil.QuoteToken)
	require.NoError(t, err)
	backend.Mint(p.Account.Address, testutil.BaseToken, big.NewInt(5))
	reserves, err := s.view.Reserves(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "5", reserves.ReserveBase.String())
}

func TestBoltBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = config.StoreConfig{Backend: config.StoreBolt, BoltPath: filepath.Join(t.TempDir(), "settler.db")}
	s, err := newService(context.Background(), cfg, &logger.EmptyLogger{})
	require.NoError(t, err)
	s.close()
}

func TestAutoSettleBootstrapsPool(t *testing.T) {
	s, err := newService(context.Background(), memoryConfig(), &logger.EmptyLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	user := testutil.GenerateAddress().Hex()
	s.memLedger.Mint(user, testutil.BaseToken, big.NewInt(1_000_000))
	s.memLedger.Mint(user, testutil.QuoteToken, big.NewInt(2_000_000))

	receipt, err := s.intake.SubmitAddLiquidity(ctx, intake.AddLiquidityRequest{
		User:           user,
		Token:          testutil.QuoteToken,
		AddBase:        "1",
		AddQuote:       "2",
		MaxSlippageBps: 100,
	})
	require.NoError(t, err)

	// deposits land before the service starts and are still picked up
	_, err = s.memLedger.Send(ctx, user, receipt.DepositAccount, big.NewInt(1_000_000), testutil.BaseToken, receipt.ID)
	require.NoError(t, err)
	_, err = s.memLedger.Send(ctx, user, receipt.DepositAccount, big.NewInt(2_000_000), testutil.QuoteToken, receipt.ID)
	require.NoError(t, err)

	start(t, s)

	require.Eventually(t, func() bool {
		intent, err := s.book.Get(ctx, receipt.ID)
		return err == nil && intent.Status == models.StatusSettled
	}, testutil.DefaultTestTimeout, 20*time.Millisecond)

	lp, err := s.ledger.BalanceOf(ctx, user, testutil.LPToken)
	require.NoError(t, err)
	assert.Equal(t, "1414213", lp.String())
}

func TestStartRecoversInFlight(t *testing.T) {
	s, err := newService(context.Background(), memoryConfig(), &logger.EmptyLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	interrupted := storagetest.NewIntent("interrupted", testutil.Start)
	interrupted.Status = models.StatusSettling
	_, err = s.store.Mutate(ctx, interrupted.ID, func(_ *models.Intent) (*models.Intent, error) {
		return interrupted, nil
	})
	require.NoError(t, err)

	start(t, s)

	require.Eventually(t, func() bool {
		intent, err := s.book.Get(ctx, interrupted.ID)
		return err == nil && intent.Status == models.StatusFailed && intent.NeedsReconciliation
	}, testutil.DefaultTestTimeout, 20*time.Millisecond)
}

func TestQueueFilledClaimsOnce(t *testing.T) {
	s, err := newService(context.Background(), memoryConfig(), &logger.EmptyLogger{})
	require.NoError(t, err)
	defer s.close()
	ctx := context.Background()

	filled := storagetest.NewIntent("filled", testutil.Start)
	filled.Status = models.StatusFilled
	_, err = s.store.Mutate(ctx, filled.ID, func(_ *models.Intent) (*models.Intent, error) {
		return filled, nil
	})
	require.NoError(t, err)

	s.queueFilled(ctx)
	s.queueFilled(ctx)
	require.Len(t, s.pendingJobs, 1)

	job := <-s.pendingJobs
	assert.Equal(t, settleJob{ID: "filled", Kind: models.KindSwap}, job)

	s.release(job.ID)
	s.queueFilled(ctx)
	assert.Len(t, s.pendingJobs, 1)
}

func TestUpdateMetrics(t *testing.T) {
	s, err := newService(context.Background(), memoryConfig(), &logger.EmptyLogger{})
	require.NoError(t, err)
	defer s.close()
	ctx := context.Background()

	for i, status := range []models.Status{models.StatusPending, models.StatusPending, models.StatusFailed} {
		intent := storagetest.NewIntent(string(rune('a'+i)), testutil.Start)
		intent.Status = status
		intent.NeedsReconciliation = status == models.StatusFailed
		_, err := s.store.Mutate(ctx, intent.ID, func(_ *models.Intent) (*models.Intent, error) {
			return intent, nil
		})
		require.NoError(t, err)
	}

	s.metrics.UpdateMetrics(ctx)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.IntentsByStatus.WithLabelValues(string(models.StatusPending))))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.IntentsByStatus.WithLabelValues(string(models.StatusSettled))))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ReconciliationQueueSize))
}
