package intents

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/memory"
)

const user = "0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newBook() (*Book, *time.Time) {
	now := t0
	book := NewBook(memory.NewStore(), &logger.EmptyLogger{})
	book.SetClock(func() time.Time { return now })
	return book, &now
}

func swap(id string) *models.Intent {
	return &models.Intent{
		ID:   id,
		Kind: models.KindSwap,
		User: user,
		Pool: "USDC",
		Swap: &models.SwapTerms{
			TokenIn:      "BASE",
			TokenOut:     "USDC",
			AmountIn:     big.NewInt(10_000),
			MinAmountOut: big.NewInt(19_000),
		},
	}
}

func addLiquidity(id string) *models.Intent {
	return &models.Intent{
		ID:   id,
		Kind: models.KindAddLiquidity,
		User: user,
		Pool: "USDC",
		AddLiquidity: &models.AddLiquidityTerms{
			BaseToken:     "BASE",
			BaseAmount:    big.NewInt(1_000),
			QuoteToken:    "USDC",
			QuoteAmount:   big.NewInt(2_000),
			LPToken:       "LP-USDC",
			MintAmount:    big.NewInt(1_000),
			MinMintAmount: big.NewInt(990),
		},
	}
}

func deposit(id, token string, amount int64, ref string) models.DepositEvent {
	return models.DepositEvent{
		Ref:         ref,
		From:        "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		To:          "0xpool",
		Token:       token,
		Amount:      big.NewInt(amount),
		ExternalTag: id,
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatusPending, models.StatusFilled))
	assert.True(t, CanTransition(models.StatusFilled, models.StatusSettling))
	assert.True(t, CanTransition(models.StatusSettling, models.StatusSettled))
	assert.True(t, CanTransition(models.StatusSettling, models.StatusFailed))
	assert.False(t, CanTransition(models.StatusPending, models.StatusSettled))
	assert.False(t, CanTransition(models.StatusFilled, models.StatusExpired))

	for _, terminal := range []models.Status{models.StatusSettled, models.StatusExpired, models.StatusFailed} {
		for _, to := range []models.Status{models.StatusPending, models.StatusFilled, models.StatusSettling, models.StatusSettled, models.StatusExpired, models.StatusFailed} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	book, now := newBook()

	stored, created, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.True(t, t0.Equal(stored.CreatedAt))
	require.Len(t, stored.Legs, 1)

	// Re-submission while PENDING updates terms but keeps identity
	*now = t0.Add(time.Minute)
	updated := swap("s1")
	updated.Swap.AmountIn = big.NewInt(20_000)
	updated.Status = models.StatusSettled
	stored, created, err = book.Upsert(ctx, updated)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "20000", stored.Swap.AmountIn.String())
	assert.Equal(t, "20000", stored.Legs[0].Amount.String())
	assert.True(t, t0.Equal(stored.CreatedAt))

	// Kind is immutable
	wrongKind := addLiquidity("s1")
	_, _, err = book.Upsert(ctx, wrongKind)
	assert.ErrorIs(t, err, models.ErrInvalidIntent)

	// Invalid input never reaches the store
	bad := swap("")
	_, _, err = book.Upsert(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidIntent)
}

func TestUpsertIgnoredOnceFilledOrTerminal(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()

	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.ObserveDeposit(ctx, deposit("s1", "BASE", 10_000, "op1"))
	require.NoError(t, err)

	changed := swap("s1")
	changed.Swap.AmountIn = big.NewInt(1)
	stored, _, err := book.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, stored.Status)
	assert.Equal(t, "10000", stored.Swap.AmountIn.String())
	assert.Contains(t, stored.Notes, "resubmission ignored in FILLED")

	_, err = book.MarkFailed(ctx, "s1", "test")
	require.NoError(t, err)
	before, err := book.Get(ctx, "s1")
	require.NoError(t, err)

	stored, _, err = book.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, before.Notes, stored.Notes, "terminal intents are not written")
}

func TestObserveSwapDeposit(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		event  models.DepositEvent
		reason string
	}{
		{"wrong token", deposit("s1", "USDC", 10_000, "op1"), "leg_mismatch"},
		{"wrong amount", deposit("s1", "BASE", 9_999, "op2"), "leg_mismatch"},
		{"wrong sender", func() models.DepositEvent {
			e := deposit("s1", "BASE", 10_000, "op3")
			e.From = "0xbbbb"
			return e
		}(), "sender_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := book.ObserveDeposit(ctx, tt.event)
			require.NoError(t, err)
			assert.False(t, obs.Matched)
			assert.Equal(t, tt.reason, obs.Reason)
			assert.Equal(t, models.StatusPending, obs.Intent.Status)
		})
	}

	obs, err := book.ObserveDeposit(ctx, deposit("s1", "BASE", 10_000, "op4"))
	require.NoError(t, err)
	assert.True(t, obs.Matched)
	assert.True(t, obs.Filled)
	assert.Equal(t, models.StatusFilled, obs.Intent.Status)
	assert.Equal(t, "op4", obs.Intent.Legs[0].Ref)

	// Re-delivery is harmless
	obs, err = book.ObserveDeposit(ctx, deposit("s1", "BASE", 10_000, "op4"))
	require.NoError(t, err)
	assert.False(t, obs.Matched)
	assert.Equal(t, "not_pending", obs.Reason)

	_, err = book.ObserveDeposit(ctx, deposit("unknown", "BASE", 10_000, "op5"))
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestObserveAddLiquidityNeedsBothLegs(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, addLiquidity("a1"))
	require.NoError(t, err)

	obs, err := book.ObserveDeposit(ctx, deposit("a1", "USDC", 2_000, "op1"))
	require.NoError(t, err)
	assert.True(t, obs.Matched)
	assert.False(t, obs.Filled, "one leg must not unlock settlement")
	assert.Equal(t, models.StatusPending, obs.Intent.Status)

	// The same operation delivered twice does not count as the second leg
	obs, err = book.ObserveDeposit(ctx, deposit("a1", "USDC", 2_000, "op1"))
	require.NoError(t, err)
	assert.False(t, obs.Matched)
	assert.Equal(t, "duplicate", obs.Reason)

	// A second quote-token transfer cannot satisfy the base leg
	obs, err = book.ObserveDeposit(ctx, deposit("a1", "USDC", 2_000, "op2"))
	require.NoError(t, err)
	assert.False(t, obs.Matched)

	obs, err = book.ObserveDeposit(ctx, deposit("a1", "BASE", 1_000, "op3"))
	require.NoError(t, err)
	assert.True(t, obs.Filled)
	assert.Equal(t, models.StatusFilled, obs.Intent.Status)
}

func TestSettlementLifecycle(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)

	// Settlement cannot begin before the deposit
	_, err = book.BeginSettlement(ctx, "s1", nil, "settle")
	assert.ErrorIs(t, err, ErrTransitionRejected)

	_, err = book.MarkFilled(ctx, "s1", "manual")
	require.NoError(t, err)

	payouts := []models.Payout{{Token: "USDC", To: user, Amount: big.NewInt(19_743)}}
	intent, err := book.BeginSettlement(ctx, "s1", payouts, "settle")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettling, intent.Status)

	// Settled is refused while a payout is unpaid
	intent, err = book.MarkSettled(ctx, "s1", "too early")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettling, intent.Status)
	assert.Contains(t, intent.Notes, "rejected SETTLING -> SETTLED")

	_, err = book.RecordPayout(ctx, "s1", 0, "tx1")
	require.NoError(t, err)
	intent, err = book.MarkSettled(ctx, "s1", "paid 19743 USDC")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, intent.Status)
	assert.Equal(t, "tx1", intent.Payouts[0].TxRef)

	// Terminal: further transitions are recorded and ignored
	intent, err = book.MarkFailed(ctx, "s1", "late failure")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, intent.Status)
	assert.Contains(t, intent.Notes, "rejected SETTLED -> FAILED: late failure")
}

func TestBeginSettlementSingleWinner(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.MarkFilled(ctx, "s1", "manual")
	require.NoError(t, err)

	const racers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for n := 0; n < racers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := book.BeginSettlement(ctx, "s1", []models.Payout{{Token: "USDC", Amount: big.NewInt(1)}}, "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if errors.Is(err, ErrTransitionRejected) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, rejected)
}

func TestMarkFailedAfterPartialPayoutQueuesReconciliation(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.MarkFilled(ctx, "s1", "manual")
	require.NoError(t, err)

	payouts := []models.Payout{
		{Token: "BASE", Amount: big.NewInt(1)},
		{Token: "USDC", Amount: big.NewInt(2)},
	}
	_, err = book.BeginSettlement(ctx, "s1", payouts, "settle")
	require.NoError(t, err)
	_, err = book.RecordPayout(ctx, "s1", 0, "tx1")
	require.NoError(t, err)
	_, err = book.RecordPayoutFailure(ctx, "s1", 1, errors.New("insufficient balance"))
	require.NoError(t, err)

	intent, err := book.MarkFailed(ctx, "s1", "second leg failed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, intent.Status)
	assert.True(t, intent.NeedsReconciliation)
	assert.Equal(t, 1, intent.Payouts[1].Attempt)

	queue, err := book.List(ctx, storage.ListFilter{NeedsReconciliation: true})
	require.NoError(t, err)
	require.Len(t, queue, 1)

	intent, err = book.ResolveReconciliation(ctx, "s1", "refunded BASE manually")
	require.NoError(t, err)
	assert.False(t, intent.NeedsReconciliation)
	assert.Equal(t, models.StatusFailed, intent.Status)
}

func TestPruneExpired(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()

	past := t0.Add(-time.Minute)
	future := t0.Add(time.Hour)

	expiring := swap("old")
	expiring.Deadline = &past
	live := swap("live")
	live.Deadline = &future
	noDeadline := swap("forever")
	partial := addLiquidity("partial")
	partial.Deadline = &past
	filled := swap("filled")
	filled.Deadline = &past

	for _, intent := range []*models.Intent{expiring, live, noDeadline, partial, filled} {
		_, _, err := book.Upsert(ctx, intent)
		require.NoError(t, err)
	}
	_, err := book.ObserveDeposit(ctx, deposit("partial", "BASE", 1_000, "op1"))
	require.NoError(t, err)
	_, err = book.MarkFilled(ctx, "filled", "manual")
	require.NoError(t, err)

	expired, err := book.PruneExpired(ctx, t0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "partial"}, expired)

	intent, err := book.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, intent.Status)
	assert.False(t, intent.NeedsReconciliation)

	intent, err = book.Get(ctx, "partial")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, intent.Status)
	assert.True(t, intent.NeedsReconciliation, "received funds must be returned")

	intent, err = book.Get(ctx, "filled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, intent.Status, "only the prune of PENDING intents expires them")

	// Expired intents can no longer be settled
	_, err = book.BeginSettlement(ctx, "old", nil, "settle")
	assert.ErrorIs(t, err, ErrTransitionRejected)
}

func TestPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	book, now := newBook()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := book.Upsert(ctx, swap(id))
		require.NoError(t, err)
	}
	_, err := book.MarkFailed(ctx, "a", "x")
	require.NoError(t, err)
	_, err = book.MarkFailed(ctx, "b", "x")
	require.NoError(t, err)
	_, err = book.FlagForReconciliation(ctx, "b", "operator check")
	require.NoError(t, err)

	*now = t0.Add(48 * time.Hour)
	purged, err := book.PurgeTerminal(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = book.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrIntentNotFound)
	_, err = book.Get(ctx, "b")
	assert.NoError(t, err, "queued intents are retained")
	_, err = book.Get(ctx, "c")
	assert.NoError(t, err, "pending intents are retained")
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()
	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.MarkFilled(ctx, "s1", "manual")
	require.NoError(t, err)
	_, err = book.BeginSettlement(ctx, "s1", []models.Payout{{Token: "USDC", Amount: big.NewInt(1)}}, "settle")
	require.NoError(t, err)

	recovered, err := book.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, recovered)

	intent, err := book.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, intent.Status)
	assert.True(t, intent.NeedsReconciliation)
}

func TestMarkFailedWithDepositQueuesRefund(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()

	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.ObserveDeposit(ctx, deposit("s1", "BASE", 10_000, "op1"))
	require.NoError(t, err)

	intent, err := book.MarkFailed(ctx, "s1", "slippage")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, intent.Status)
	assert.True(t, intent.NeedsReconciliation)
	assert.Contains(t, intent.Notes, "received deposits must be returned")
}

func TestObserveDepositIntoOtherPool(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()

	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)

	obs, err := book.ObserveDepositInto(ctx, "DAI", deposit("s1", "BASE", 10_000, "op1"))
	require.NoError(t, err)
	assert.False(t, obs.Matched)
	assert.Equal(t, "wrong_pool", obs.Reason)

	obs, err = book.ObserveDepositInto(ctx, "USDC", deposit("s1", "BASE", 10_000, "op1"))
	require.NoError(t, err)
	assert.True(t, obs.Filled)
}

func TestFailFilledOnlyFromFilled(t *testing.T) {
	ctx := context.Background()
	book, _ := newBook()

	_, _, err := book.Upsert(ctx, swap("s1"))
	require.NoError(t, err)
	_, err = book.MarkFilled(ctx, "s1", "manual")
	require.NoError(t, err)
	_, err = book.BeginSettlement(ctx, "s1", []models.Payout{{Token: "USDC", Amount: big.NewInt(1)}}, "settle")
	require.NoError(t, err)

	intent, err := book.FailFilled(ctx, "s1", "slippage")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettling, intent.Status)
	assert.False(t, intent.NeedsReconciliation)

	_, _, err = book.Upsert(ctx, swap("s2"))
	require.NoError(t, err)
	_, err = book.ObserveDeposit(ctx, deposit("s2", "BASE", 10_000, "op2"))
	require.NoError(t, err)

	intent, err = book.FailFilled(ctx, "s2", "slippage")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, intent.Status)
	assert.True(t, intent.NeedsReconciliation)
}
