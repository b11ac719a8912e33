// Package quote prices swaps and liquidity changes against fresh pool reserves.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-settler/pkg/amm"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/slippage"
)

var (
	// ErrNonPositiveAmount is returned for zero or negative inputs
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// ErrInsufficientLiquidity is returned when the pool cannot serve the request
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Swap is a priced single-hop swap
type Swap struct {
	Pool         *pool.Pool
	BaseIn       bool
	TokenIn      string
	TokenOut     string
	AmountIn     *big.Int
	QuotedOut    *big.Int
	MinAmountOut *big.Int
	ReserveIn    *big.Int
	ReserveOut   *big.Int
	PriceImpact  decimal.Decimal
}

// AddLiquidity is a priced deposit of both pool tokens
type AddLiquidity struct {
	Pool         *pool.Pool
	BaseAmount   *big.Int
	QuoteAmount  *big.Int
	LP           *big.Int
	MinLP        *big.Int
	Reserves     models.PoolReserves
	Bootstrapped bool
}

// RemoveLiquidity is a priced redemption of LP tokens
type RemoveLiquidity struct {
	Pool        *pool.Pool
	LPAmount    *big.Int
	BaseOut     *big.Int
	QuoteOut    *big.Int
	MinBaseOut  *big.Int
	MinQuoteOut *big.Int
	Reserves    models.PoolReserves
}

// ReserveReader returns a fresh reserve snapshot; pool.View satisfies it
type ReserveReader interface {
	Reserves(ctx context.Context, p *pool.Pool) (models.PoolReserves, error)
}

// Quoter prices requests against the registry's pools
type Quoter struct {
	pools    *pool.Registry
	reserves ReserveReader
}

// NewQuoter creates a quoter
func NewQuoter(pools *pool.Registry, reserves ReserveReader) *Quoter {
	return &Quoter{pools: pools, reserves: reserves}
}

// Pools returns the registry the quoter prices against
func (q *Quoter) Pools() *pool.Registry {
	return q.pools
}

// Reserves reads a fresh snapshot of p
func (q *Quoter) Reserves(ctx context.Context, p *pool.Pool) (models.PoolReserves, error) {
	return q.reserves.Reserves(ctx, p)
}

// Swap quotes selling amountIn of tokenIn for tokenOut with the given tolerance
func (q *Quoter) Swap(ctx context.Context, tokenIn, tokenOut string, amountIn *big.Int, slippageBps int64) (*Swap, error) {
	if err := slippage.ValidateBps(slippageBps); err != nil {
		return nil, err
	}
	if !positive(amountIn) {
		return nil, fmt.Errorf("%w: amountIn", ErrNonPositiveAmount)
	}
	p, baseIn, err := q.pools.ForSwap(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	reserves, err := q.reserves.Reserves(ctx, p)
	if err != nil {
		return nil, err
	}

	reserveIn, reserveOut := reserves.Oriented(baseIn)
	out := SwapOut(p, reserves, baseIn, amountIn)
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: swap of %s %s yields nothing", ErrInsufficientLiquidity, amountIn, tokenIn)
	}

	return &Swap{
		Pool:         p,
		BaseIn:       baseIn,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     new(big.Int).Set(amountIn),
		QuotedOut:    out,
		MinAmountOut: slippage.MinOutFromSlippage(out, slippageBps),
		ReserveIn:    reserveIn,
		ReserveOut:   reserveOut,
		PriceImpact:  amm.PriceImpact(amountIn, out, reserveIn, reserveOut),
	}, nil
}

// AddLiquidity quotes the LP minted for depositing base and quote into the pool of quoteToken
func (q *Quoter) AddLiquidity(ctx context.Context, quoteToken string, base, quote *big.Int, slippageBps int64) (*AddLiquidity, error) {
	if err := slippage.ValidateBps(slippageBps); err != nil {
		return nil, err
	}
	if !positive(base) || !positive(quote) {
		return nil, fmt.Errorf("%w: both deposit amounts", ErrNonPositiveAmount)
	}
	p, err := q.pools.ForToken(quoteToken)
	if err != nil {
		return nil, err
	}
	reserves, err := q.reserves.Reserves(ctx, p)
	if err != nil {
		return nil, err
	}

	lp, err := MintFor(reserves, base, quote)
	if err != nil {
		return nil, err
	}
	if lp.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit mints no LP tokens", ErrInsufficientLiquidity)
	}

	return &AddLiquidity{
		Pool:         p,
		BaseAmount:   new(big.Int).Set(base),
		QuoteAmount:  new(big.Int).Set(quote),
		LP:           lp,
		MinLP:        slippage.MinOutFromSlippage(lp, slippageBps),
		Reserves:     reserves,
		Bootstrapped: bootstrap(reserves),
	}, nil
}

// RemoveLiquidity quotes redeeming lpAmount LP tokens of the pool of quoteToken
func (q *Quoter) RemoveLiquidity(ctx context.Context, quoteToken string, lpAmount *big.Int, slippageBps int64) (*RemoveLiquidity, error) {
	if err := slippage.ValidateBps(slippageBps); err != nil {
		return nil, err
	}
	if !positive(lpAmount) {
		return nil, fmt.Errorf("%w: lpAmount", ErrNonPositiveAmount)
	}
	p, err := q.pools.ForToken(quoteToken)
	if err != nil {
		return nil, err
	}
	reserves, err := q.reserves.Reserves(ctx, p)
	if err != nil {
		return nil, err
	}

	base, quote, err := RedeemFor(reserves, lpAmount)
	if err != nil {
		return nil, err
	}

	return &RemoveLiquidity{
		Pool:        p,
		LPAmount:    new(big.Int).Set(lpAmount),
		BaseOut:     base,
		QuoteOut:    quote,
		MinBaseOut:  slippage.MinOutFromSlippage(base, slippageBps),
		MinQuoteOut: slippage.MinOutFromSlippage(quote, slippageBps),
		Reserves:    reserves,
	}, nil
}

// SwapOut prices a swap against a reserve snapshot
func SwapOut(p *pool.Pool, reserves models.PoolReserves, baseIn bool, amountIn *big.Int) *big.Int {
	reserveIn, reserveOut := reserves.Oriented(baseIn)
	return amm.GetAmountOut(amountIn, reserveIn, reserveOut, p.FeeBps)
}

// MintFor prices an LP mint against a reserve snapshot
func MintFor(reserves models.PoolReserves, base, quote *big.Int) (*big.Int, error) {
	return amm.GetLPToMint(base, quote, reserves.ReserveBase, reserves.ReserveQuote, reserves.TotalLPSupply)
}

// RedeemFor prices an LP redemption against a reserve snapshot
func RedeemFor(reserves models.PoolReserves, lpAmount *big.Int) (base, quote *big.Int, err error) {
	supply := reserves.TotalLPSupply
	if supply == nil || supply.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: pool has no LP supply", ErrInsufficientLiquidity)
	}
	if lpAmount.Cmp(supply) > 0 {
		return nil, nil, fmt.Errorf("%w: %s LP exceeds supply %s", ErrInsufficientLiquidity, lpAmount, supply)
	}
	base, quote = amm.GetProportionalOut(lpAmount, supply, reserves.ReserveBase, reserves.ReserveQuote)
	return base, quote, nil
}

func bootstrap(r models.PoolReserves) bool {
	return r.TotalLPSupply == nil || r.TotalLPSupply.Sign() == 0 ||
		r.ReserveBase == nil || r.ReserveBase.Sign() == 0 ||
		r.ReserveQuote == nil || r.ReserveQuote.Sign() == 0
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
