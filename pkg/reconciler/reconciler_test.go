package reconciler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/testutil"
)

func swapIntent(env *testutil.Env, id string) *models.Intent {
	return &models.Intent{
		ID:   id,
		Kind: models.KindSwap,
		User: env.User,
		Pool: env.Pool.ID,
		Swap: &models.SwapTerms{
			TokenIn:      testutil.BaseToken,
			TokenOut:     testutil.QuoteToken,
			AmountIn:     big.NewInt(10_000),
			MinAmountOut: big.NewInt(19_644),
			QuotedOut:    big.NewInt(19_743),
		},
	}
}

func addIntent(env *testutil.Env, id string) *models.Intent {
	return &models.Intent{
		ID:   id,
		Kind: models.KindAddLiquidity,
		User: env.User,
		Pool: env.Pool.ID,
		AddLiquidity: &models.AddLiquidityTerms{
			BaseToken:     testutil.BaseToken,
			BaseAmount:    big.NewInt(1_000),
			QuoteToken:    testutil.QuoteToken,
			QuoteAmount:   big.NewInt(2_000),
			LPToken:       testutil.LPToken,
			MintAmount:    big.NewInt(1_414),
			MinMintAmount: big.NewInt(1_399),
		},
	}
}

func upsert(t *testing.T, env *testutil.Env, intent *models.Intent) {
	t.Helper()
	_, created, err := env.Book.Upsert(context.Background(), intent)
	require.NoError(t, err)
	require.True(t, created)
}

func status(t *testing.T, env *testutil.Env, id string) models.Status {
	t.Helper()
	intent, err := env.Book.Get(context.Background(), id)
	require.NoError(t, err)
	return intent.Status
}

func newPoller(t *testing.T, env *testutil.Env, pageSize int) *Reconciler {
	t.Helper()
	r, err := New(env.Book, env.Pools, ledger.PollCapability(env.Ledger), env.Store, Config{PageSize: pageSize}, &logger.EmptyLogger{})
	require.NoError(t, err)
	return r
}

func TestNewRequiresExactlyOneCapability(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := New(env.Book, env.Pools, ledger.Capability{}, env.Store, Config{}, &logger.EmptyLogger{})
	assert.ErrorIs(t, err, ledger.ErrNoCapability)

	_, err = New(env.Book, env.Pools, ledger.PollCapability(env.Ledger), nil, Config{}, &logger.EmptyLogger{})
	assert.Error(t, err)

	r, err := New(env.Book, env.Pools, ledger.PushCapability(env.Ledger), nil, Config{}, &logger.EmptyLogger{})
	require.NoError(t, err)
	assert.Equal(t, "push", r.Mode())
}

func TestPollFillsSwapAndPersistsCursor(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	upsert(t, env, swapIntent(env, "swap-1"))

	receipt := env.Deposit(t, "swap-1", testutil.BaseToken, 10_000)

	r := newPoller(t, env, 10)
	n, err := r.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusFilled, status(t, env, "swap-1"))

	cursor, err := env.Store.LoadCursor(ctx, env.Pool.Account.Address)
	require.NoError(t, err)
	assert.Equal(t, receipt.TxRef, cursor)

	// a restarted reconciler resumes after the saved cursor
	n, err = newPoller(t, env, 10).PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollPagesThroughHistory(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		upsert(t, env, swapIntent(env, id))
		env.Deposit(t, id, testutil.BaseToken, 10_000)
	}

	n, err := newPoller(t, env, 1).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, models.StatusFilled, status(t, env, id))
	}
}

func TestAddLiquidityNeedsBothLegs(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	upsert(t, env, addIntent(env, "add-1"))
	r := newPoller(t, env, 10)

	env.Deposit(t, "add-1", testutil.QuoteToken, 2_000)
	_, err := r.PollOnce(ctx)
	require.NoError(t, err)

	intent, err := env.Book.Get(ctx, "add-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, intent.Status)
	assert.True(t, intent.AnyLegObserved())

	env.Deposit(t, "add-1", testutil.BaseToken, 1_000)
	_, err = r.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, status(t, env, "add-1"))
}

func TestMismatchedDepositsAreIgnored(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	upsert(t, env, swapIntent(env, "swap-1"))
	r := newPoller(t, env, 10)
	poolAccount := env.Pool.Account.Address

	stranger := testutil.GenerateAddress().Hex()
	env.Ledger.Mint(stranger, testutil.BaseToken, big.NewInt(100_000))

	cases := []struct {
		name   string
		event  models.DepositEvent
		reason string
	}{
		{"wrong amount", models.DepositEvent{Ref: "x1", From: env.User, To: poolAccount, Token: "BASE", Amount: big.NewInt(9_999), ExternalTag: "swap-1"}, "leg_mismatch"},
		{"wrong token", models.DepositEvent{Ref: "x2", From: env.User, To: poolAccount, Token: "USDC", Amount: big.NewInt(10_000), ExternalTag: "swap-1"}, "leg_mismatch"},
		{"wrong sender", models.DepositEvent{Ref: "x3", From: stranger, To: poolAccount, Token: "BASE", Amount: big.NewInt(10_000), ExternalTag: "swap-1"}, "sender_mismatch"},
		{"unknown tag", models.DepositEvent{Ref: "x4", From: env.User, To: poolAccount, Token: "BASE", Amount: big.NewInt(10_000), ExternalTag: "nope"}, "unknown_tag"},
		{"untagged", models.DepositEvent{Ref: "x5", From: env.User, To: poolAccount, Token: "BASE", Amount: big.NewInt(10_000)}, "untagged"},
		{"not a pool", models.DepositEvent{Ref: "x6", From: env.User, To: stranger, Token: "BASE", Amount: big.NewInt(10_000), ExternalTag: "swap-1"}, "unknown_account"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs, err := r.Apply(ctx, tc.event)
			require.NoError(t, err)
			assert.False(t, obs.Matched)
			assert.Equal(t, tc.reason, obs.Reason)
		})
	}
	assert.Equal(t, models.StatusPending, status(t, env, "swap-1"))

	// re-delivery of a matched event is harmless
	good := models.DepositEvent{Ref: "ok", From: env.User, To: poolAccount, Token: "BASE", Amount: big.NewInt(10_000), ExternalTag: "swap-1"}
	obs, err := r.Apply(ctx, good)
	require.NoError(t, err)
	assert.True(t, obs.Filled)
	obs, err = r.Apply(ctx, good)
	require.NoError(t, err)
	assert.False(t, obs.Matched)
	assert.Equal(t, models.StatusFilled, status(t, env, "swap-1"))
}

// signalingSource reports when the reconciler has subscribed
type signalingSource struct {
	inner      ledger.PushSource
	subscribed chan struct{}
}

func (s *signalingSource) Subscribe(ctx context.Context, account string) (<-chan models.DepositEvent, error) {
	ch, err := s.inner.Subscribe(ctx, account)
	if err == nil {
		s.subscribed <- struct{}{}
	}
	return ch, err
}

func TestPushModeFillsFromSubscription(t *testing.T) {
	env := testutil.NewEnv(t)
	upsert(t, env, swapIntent(env, "swap-1"))

	source := &signalingSource{inner: env.Ledger, subscribed: make(chan struct{}, 1)}
	r, err := New(env.Book, env.Pools, ledger.PushCapability(source), nil, Config{ResubscribeDelay: 10 * time.Millisecond}, &logger.EmptyLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-source.subscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("reconciler did not subscribe")
	}
	env.Deposit(t, "swap-1", testutil.BaseToken, 10_000)

	require.Eventually(t, func() bool {
		return status(t, env, "swap-1") == models.StatusFilled
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
