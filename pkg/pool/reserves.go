package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

var (
	// unsettled are the statuses whose deposits sit in the pool account without being liquidity yet
	unsettled = storage.ListFilter{Statuses: []models.Status{models.StatusPending, models.StatusFilled, models.StatusSettling}}

	// unreconciled are failed intents whose deposits are owed back to the user
	unreconciled = storage.ListFilter{
		Statuses:            []models.Status{models.StatusFailed, models.StatusExpired},
		NeedsReconciliation: true,
	}
)

// IntentLister lists intents; intents.Book satisfies it
type IntentLister interface {
	List(ctx context.Context, filter storage.ListFilter) ([]*models.Intent, error)
}

// View reads pool reserves from the ledger. Nothing is cached: every call is a fresh read.
type View struct {
	ledger  ledger.Client
	intents IntentLister
}

// NewView creates a reserve view over client
func NewView(client ledger.Client, intents IntentLister) *View {
	return &View{ledger: client, intents: intents}
}

// Reserves returns the pool's liquidity. Deposits of intents that have not settled are
// subtracted and payouts already made for them are added back, so the view describes the pool
// as if those intents did not exist. Failed intents count until their reconciliation is resolved.
func (v *View) Reserves(ctx context.Context, p *Pool) (models.PoolReserves, error) {
	account := p.Account.Address

	base, err := v.ledger.BalanceOf(ctx, account, p.BaseToken)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("read %s reserve of pool %s: %w", p.BaseToken, p.ID, err)
	}
	quote, err := v.ledger.BalanceOf(ctx, account, p.QuoteToken)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("read %s reserve of pool %s: %w", p.QuoteToken, p.ID, err)
	}
	held, err := v.ledger.BalanceOf(ctx, account, p.LPToken)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("read %s held by pool %s: %w", p.LPToken, p.ID, err)
	}
	supply, err := v.ledger.TotalSupply(ctx, p.LPToken)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("read %s supply: %w", p.LPToken, err)
	}

	inflight, err := v.intents.List(ctx, unsettled)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("list unsettled intents: %w", err)
	}
	owed, err := v.intents.List(ctx, unreconciled)
	if err != nil {
		return models.PoolReserves{}, fmt.Errorf("list intents awaiting reconciliation: %w", err)
	}
	inflight = append(inflight, owed...)

	adjust := map[string]*big.Int{
		p.BaseToken:  base,
		p.QuoteToken: quote,
		p.LPToken:    held,
	}
	for _, intent := range inflight {
		if intent.Pool != p.ID {
			continue
		}
		for _, leg := range intent.Legs {
			if bal, ok := adjust[leg.Token]; ok && leg.Observed && leg.Amount != nil {
				bal.Sub(bal, leg.Amount)
			}
		}
		for _, payout := range intent.Payouts {
			if bal, ok := adjust[payout.Token]; ok && payout.Paid && payout.Amount != nil {
				bal.Add(bal, payout.Amount)
			}
		}
	}

	circulating := new(big.Int).Sub(supply, clampZero(held))
	reserves := models.PoolReserves{
		ReserveBase:   clampZero(base),
		ReserveQuote:  clampZero(quote),
		TotalLPSupply: clampZero(circulating),
	}
	recordReserves(p, reserves)
	return reserves, nil
}

func clampZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

func recordReserves(p *Pool, r models.PoolReserves) {
	set := func(token string, raw *big.Int, decimals uint8) {
		f, _ := decimal.RequireFromString(amount.Format(raw, decimals)).Float64()
		metrics.PoolReserve.WithLabelValues(p.ID, token).Set(f)
	}
	set(p.BaseToken, r.ReserveBase, p.BaseDecimals)
	set(p.QuoteToken, r.ReserveQuote, p.QuoteDecimals)
	set(p.LPToken, r.TotalLPSupply, p.LPDecimals)
}
