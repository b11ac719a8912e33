package api

import (
	"math/big"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
)

// formatter renders raw amounts with the decimals of their token
type formatter struct {
	pools *pool.Registry
}

func (f formatter) amount(raw *big.Int, token string) string {
	if raw == nil {
		return ""
	}
	decimals, ok := f.pools.Decimals(token)
	if !ok {
		return raw.String()
	}
	return amount.Format(raw, decimals)
}

type legView struct {
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Observed bool   `json:"observed"`
	Ref      string `json:"ref,omitempty"`
}

type payoutView struct {
	Token  string     `json:"token"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Paid   bool       `json:"paid"`
	TxRef  string     `json:"txRef,omitempty"`
	PaidAt *time.Time `json:"paidAt,omitempty"`
}

type intentView struct {
	ID                  string            `json:"id"`
	Kind                models.Kind       `json:"kind"`
	User                string            `json:"user"`
	Pool                string            `json:"pool"`
	Status              models.Status     `json:"status"`
	DepositAccount      string            `json:"depositAccount,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	Deadline            *time.Time        `json:"deadline,omitempty"`
	Terms               map[string]string `json:"terms"`
	Legs                []legView         `json:"legs"`
	Payouts             []payoutView      `json:"payouts,omitempty"`
	NeedsReconciliation bool              `json:"needsReconciliation"`
	Notes               []string          `json:"notes,omitempty"`
}

func (f formatter) intent(i *models.Intent) intentView {
	v := intentView{
		ID:                  i.ID,
		Kind:                i.Kind,
		User:                i.User,
		Pool:                i.Pool,
		Status:              i.Status,
		CreatedAt:           i.CreatedAt,
		UpdatedAt:           i.UpdatedAt,
		Deadline:            i.Deadline,
		Terms:               f.terms(i),
		Legs:                make([]legView, 0, len(i.Legs)),
		NeedsReconciliation: i.NeedsReconciliation,
		Notes:               i.NoteEntries(),
	}
	if p, err := f.pools.Get(i.Pool); err == nil {
		v.DepositAccount = p.Account.Address
	}
	for _, leg := range i.Legs {
		v.Legs = append(v.Legs, legView{
			Token:    leg.Token,
			Amount:   f.amount(leg.Amount, leg.Token),
			Observed: leg.Observed,
			Ref:      leg.Ref,
		})
	}
	for _, p := range i.Payouts {
		v.Payouts = append(v.Payouts, payoutView{
			Token:  p.Token,
			To:     p.To,
			Amount: f.amount(p.Amount, p.Token),
			Paid:   p.Paid,
			TxRef:  p.TxRef,
			PaidAt: p.PaidAt,
		})
	}
	return v
}

func (f formatter) terms(i *models.Intent) map[string]string {
	terms := make(map[string]string)
	put := func(key string, raw *big.Int, token string) {
		if raw != nil {
			terms[key] = f.amount(raw, token)
		}
	}

	switch {
	case i.Swap != nil:
		t := i.Swap
		terms["tokenIn"] = t.TokenIn
		terms["tokenOut"] = t.TokenOut
		put("amountIn", t.AmountIn, t.TokenIn)
		put("quotedOut", t.QuotedOut, t.TokenOut)
		put("minAmountOut", t.MinAmountOut, t.TokenOut)
	case i.AddLiquidity != nil:
		t := i.AddLiquidity
		terms["tokenX"] = t.QuoteToken
		terms["lpToken"] = t.LPToken
		put("addBase", t.BaseAmount, t.BaseToken)
		put("addX", t.QuoteAmount, t.QuoteToken)
		put("lp", t.MintAmount, t.LPToken)
		put("minLp", t.MinMintAmount, t.LPToken)
	case i.RemoveLiquidity != nil:
		t := i.RemoveLiquidity
		terms["tokenX"] = t.ExpectedQuoteToken
		terms["lpToken"] = t.LPToken
		put("lpAmount", t.LPAmount, t.LPToken)
		put("baseOut", t.ExpectedBaseAmount, t.BaseToken)
		put("quoteOut", t.ExpectedQuoteAmount, t.ExpectedQuoteToken)
		put("minBaseOut", t.MinBaseAmount, t.BaseToken)
		put("minQuoteOut", t.MinQuoteAmount, t.ExpectedQuoteToken)
	}
	return terms
}

func (f formatter) intents(list []*models.Intent) []intentView {
	out := make([]intentView, 0, len(list))
	for _, i := range list {
		out = append(out, f.intent(i))
	}
	return out
}
