package intake

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/slippage"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
	"github.com/speedrun-hq/speedrun-settler/pkg/testutil"
)

func newService(t *testing.T, ttl time.Duration) (*Service, *testutil.Env) {
	env := testutil.NewEnv(t)
	return NewService(env.Book, env.Quoter, ttl, &logger.EmptyLogger{}), env
}

func TestSubmitSwap(t *testing.T) {
	svc, env := newService(t, time.Hour)

	receipt, err := svc.SubmitSwap(context.Background(), SwapRequest{
		User:           strings.ToLower(env.User),
		TokenIn:        testutil.BaseToken,
		TokenOut:       testutil.QuoteToken,
		AmountIn:       "0.01",
		MaxSlippageBps: 50,
	})
	require.NoError(t, err)
	assert.True(t, receipt.Created)
	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, env.Pool.Account.Address, receipt.DepositAccount)

	intent := receipt.Intent
	assert.Equal(t, models.StatusPending, intent.Status)
	assert.Equal(t, env.User, intent.User)
	assert.Equal(t, "10000", intent.Swap.AmountIn.String())
	assert.Equal(t, "19743", intent.Swap.QuotedOut.String())
	assert.Equal(t, "19644", intent.Swap.MinAmountOut.String())
	require.NotNil(t, intent.Deadline)
	assert.Equal(t, testutil.Start.Add(time.Hour), *intent.Deadline)
	require.Len(t, intent.Legs, 1)
	assert.Equal(t, testutil.BaseToken, intent.Legs[0].Token)
}

func TestSubmitSwapIdempotentByID(t *testing.T) {
	svc, env := newService(t, 0)
	req := SwapRequest{
		ID: "swap-1", User: env.User, TokenIn: testutil.BaseToken, TokenOut: testutil.QuoteToken,
		AmountIn: "0.01", MaxSlippageBps: 50,
	}

	first, err := svc.SubmitSwap(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Nil(t, first.Intent.Deadline)

	req.AmountIn = "0.02"
	second, err := svc.SubmitSwap(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, "swap-1", second.ID)
	assert.Equal(t, "20000", second.Intent.Swap.AmountIn.String())

	all, err := env.Book.List(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubmitSwapValidation(t *testing.T) {
	svc, env := newService(t, 0)
	ctx := context.Background()
	past := testutil.Start.Add(-time.Minute)

	cases := []struct {
		name string
		req  SwapRequest
		want error
	}{
		{"bad user", SwapRequest{User: "bob", TokenIn: "BASE", TokenOut: "USDC", AmountIn: "1"}, ErrValidation},
		{"bad amount", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC", AmountIn: "1.2.3"}, amount.ErrInvalidAmount},
		{"zero amount", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC", AmountIn: "0.0000001"}, ErrValidation},
		{"negative amount", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC", AmountIn: "-1"}, ErrValidation},
		{"missing amount", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC"}, ErrValidation},
		{"unknown token", SwapRequest{User: env.User, TokenIn: "XYZ", TokenOut: "BASE", AmountIn: "1"}, pool.ErrUnknownPool},
		{"bad tolerance", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC", AmountIn: "1", MaxSlippageBps: -1}, slippage.ErrInvalidTolerance},
		{"past deadline", SwapRequest{User: env.User, TokenIn: "BASE", TokenOut: "USDC", AmountIn: "1", Deadline: &past}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitSwap(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSubmitAddLiquidity(t *testing.T) {
	svc, env := newService(t, 0)

	receipt, err := svc.SubmitAddLiquidity(context.Background(), AddLiquidityRequest{
		User: env.User, Token: testutil.QuoteToken, AddBase: "0.001", AddQuote: "0.002", MaxSlippageBps: 100,
	})
	require.NoError(t, err)

	terms := receipt.Intent.AddLiquidity
	assert.Equal(t, "1000", terms.BaseAmount.String())
	assert.Equal(t, "2000", terms.QuoteAmount.String())
	assert.Equal(t, "1414", terms.MintAmount.String())
	assert.Equal(t, "1399", terms.MinMintAmount.String())
	assert.Equal(t, testutil.LPToken, terms.LPToken)
	assert.Len(t, receipt.Intent.Legs, 2)
}

func TestSubmitRemoveLiquidity(t *testing.T) {
	svc, env := newService(t, 0)

	receipt, err := svc.SubmitRemoveLiquidity(context.Background(), RemoveLiquidityRequest{
		User: env.User, Token: testutil.QuoteToken, LPAmount: "0.141421", MaxSlippageBps: 100,
	})
	require.NoError(t, err)

	terms := receipt.Intent.RemoveLiquidity
	assert.Equal(t, "141421", terms.LPAmount.String())
	assert.Equal(t, "99999", terms.ExpectedBaseAmount.String())
	assert.Equal(t, "199999", terms.ExpectedQuoteAmount.String())
	assert.Equal(t, "98999", terms.MinBaseAmount.String())
	assert.Equal(t, "197999", terms.MinQuoteAmount.String())
	assert.Equal(t, testutil.QuoteToken, terms.ExpectedQuoteToken)
	require.Len(t, receipt.Intent.Legs, 1)
	assert.Equal(t, testutil.LPToken, receipt.Intent.Legs[0].Token)

	_, err = svc.SubmitRemoveLiquidity(context.Background(), RemoveLiquidityRequest{
		User: env.User, Token: "DAI", LPAmount: "1",
	})
	assert.ErrorIs(t, err, pool.ErrUnknownPool)
}
