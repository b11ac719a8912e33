package models

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Kind identifies what an intent asks the pool to do
type Kind string

const (
	KindSwap            Kind = "SWAP"
	KindAddLiquidity    Kind = "LPADD"
	KindRemoveLiquidity Kind = "LPREM"
)

// Valid reports whether k is a known intent kind
func (k Kind) Valid() bool {
	switch k {
	case KindSwap, KindAddLiquidity, KindRemoveLiquidity:
		return true
	}
	return false
}

// Status is the lifecycle position of an intent
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFilled   Status = "FILLED"
	StatusSettling Status = "SETTLING"
	StatusSettled  Status = "SETTLED"
	StatusExpired  Status = "EXPIRED"
	StatusFailed   Status = "FAILED"
)

// IsTerminal returns true for statuses no transition may leave
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusFailed
}

// ErrInvalidIntent is returned by Validate
var ErrInvalidIntent = errors.New("invalid intent")

// SwapTerms are the variant fields of a SWAP intent
type SwapTerms struct {
	TokenIn      string   `json:"token_in"`
	TokenOut     string   `json:"token_out"`
	AmountIn     *big.Int `json:"amount_in"`
	MinAmountOut *big.Int `json:"min_amount_out"`
	QuotedOut    *big.Int `json:"quoted_out,omitempty"`
}

// AddLiquidityTerms are the variant fields of an LPADD intent
type AddLiquidityTerms struct {
	BaseToken     string   `json:"base_token"`
	BaseAmount    *big.Int `json:"base_amount"`
	QuoteToken    string   `json:"quote_token"`
	QuoteAmount   *big.Int `json:"quote_amount"`
	LPToken       string   `json:"lp_token"`
	MintAmount    *big.Int `json:"mint_amount"`
	MinMintAmount *big.Int `json:"min_mint_amount"`
}

// RemoveLiquidityTerms are the variant fields of an LPREM intent
type RemoveLiquidityTerms struct {
	LPToken             string   `json:"lp_token"`
	LPAmount            *big.Int `json:"lp_amount"`
	BaseToken           string   `json:"base_token"`
	ExpectedBaseAmount  *big.Int `json:"expected_base_amount"`
	ExpectedQuoteToken  string   `json:"expected_quote_token"`
	ExpectedQuoteAmount *big.Int `json:"expected_quote_amount"`
	MinBaseAmount       *big.Int `json:"min_base_amount"`
	MinQuoteAmount      *big.Int `json:"min_quote_amount"`
}

// DepositLeg is one transfer the user must make before the intent is filled
type DepositLeg struct {
	Token      string     `json:"token"`
	Amount     *big.Int   `json:"amount"`
	Observed   bool       `json:"observed"`
	Ref        string     `json:"ref,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// Payout is one transfer the pool owes the user on settlement
type Payout struct {
	Token   string     `json:"token"`
	To      string     `json:"to"`
	Amount  *big.Int   `json:"amount"`
	Paid    bool       `json:"paid"`
	TxRef   string     `json:"tx_ref,omitempty"`
	PaidAt  *time.Time `json:"paid_at,omitempty"`
	Attempt int        `json:"attempt"`
}

// Intent is a recorded user request awaiting a matching deposit and settlement
type Intent struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	User      string     `json:"user"`
	Pool      string     `json:"pool"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Notes     string     `json:"notes,omitempty"`

	Swap            *SwapTerms            `json:"swap,omitempty"`
	AddLiquidity    *AddLiquidityTerms    `json:"add_liquidity,omitempty"`
	RemoveLiquidity *RemoveLiquidityTerms `json:"remove_liquidity,omitempty"`

	Legs                []DepositLeg `json:"legs"`
	Payouts             []Payout     `json:"payouts,omitempty"`
	NeedsReconciliation bool         `json:"needs_reconciliation"`
}

// Validate checks that the intent is well formed for its kind
func (i *Intent) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidIntent)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, i.Kind)
	}
	if i.User == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidIntent)
	}

	var amounts []*big.Int
	switch i.Kind {
	case KindSwap:
		if i.Swap == nil {
			return fmt.Errorf("%w: missing swap terms", ErrInvalidIntent)
		}
		if i.Swap.TokenIn == "" || i.Swap.TokenOut == "" || i.Swap.TokenIn == i.Swap.TokenOut {
			return fmt.Errorf("%w: swap needs two distinct tokens", ErrInvalidIntent)
		}
		amounts = []*big.Int{i.Swap.AmountIn, i.Swap.MinAmountOut, i.Swap.QuotedOut}
	case KindAddLiquidity:
		if i.AddLiquidity == nil {
			return fmt.Errorf("%w: missing add liquidity terms", ErrInvalidIntent)
		}
		t := i.AddLiquidity
		amounts = []*big.Int{t.BaseAmount, t.QuoteAmount, t.MintAmount, t.MinMintAmount}
	case KindRemoveLiquidity:
		if i.RemoveLiquidity == nil {
			return fmt.Errorf("%w: missing remove liquidity terms", ErrInvalidIntent)
		}
		t := i.RemoveLiquidity
		amounts = []*big.Int{t.LPAmount, t.ExpectedBaseAmount, t.ExpectedQuoteAmount, t.MinBaseAmount, t.MinQuoteAmount}
	}

	for _, a := range amounts {
		if a != nil && a.Sign() < 0 {
			return fmt.Errorf("%w: negative amount %s", ErrInvalidIntent, a)
		}
	}
	return nil
}

// ExpectedLegs returns the deposit checklist implied by the intent's terms
func (i *Intent) ExpectedLegs() []DepositLeg {
	switch i.Kind {
	case KindSwap:
		if i.Swap != nil {
			return []DepositLeg{{Token: i.Swap.TokenIn, Amount: cloneInt(i.Swap.AmountIn)}}
		}
	case KindAddLiquidity:
		if t := i.AddLiquidity; t != nil {
			return []DepositLeg{
				{Token: t.BaseToken, Amount: cloneInt(t.BaseAmount)},
				{Token: t.QuoteToken, Amount: cloneInt(t.QuoteAmount)},
			}
		}
	case KindRemoveLiquidity:
		if i.RemoveLiquidity != nil {
			return []DepositLeg{{Token: i.RemoveLiquidity.LPToken, Amount: cloneInt(i.RemoveLiquidity.LPAmount)}}
		}
	}
	return nil
}

// AllLegsObserved is true once every deposit on the checklist has been seen
func (i *Intent) AllLegsObserved() bool {
	if len(i.Legs) == 0 {
		return false
	}
	for _, leg := range i.Legs {
		if !leg.Observed {
			return false
		}
	}
	return true
}

// AnyLegObserved is true if at least one deposit has landed in the pool account
func (i *Intent) AnyLegObserved() bool {
	for _, leg := range i.Legs {
		if leg.Observed {
			return true
		}
	}
	return false
}

// AnyPayoutPaid is true once funds have left the pool for this intent
func (i *Intent) AnyPayoutPaid() bool {
	for _, p := range i.Payouts {
		if p.Paid {
			return true
		}
	}
	return false
}

// AllPayoutsPaid is true when every planned payout has a receipt
func (i *Intent) AllPayoutsPaid() bool {
	if len(i.Payouts) == 0 {
		return false
	}
	for _, p := range i.Payouts {
		if !p.Paid {
			return false
		}
	}
	return true
}

// Expired reports whether the deadline has passed at now
func (i *Intent) Expired(now time.Time) bool {
	return i.Deadline != nil && now.After(*i.Deadline)
}

// AppendNote adds a timestamped entry to the audit log
func (i *Intent) AppendNote(now time.Time, format string, args ...interface{}) {
	entry := now.UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	if i.Notes == "" {
		i.Notes = entry
		return
	}
	i.Notes = i.Notes + "; " + entry
}

// NoteEntries splits the audit log into its entries
func (i *Intent) NoteEntries() []string {
	if i.Notes == "" {
		return nil
	}
	return strings.Split(i.Notes, "; ")
}

// Clone returns a deep copy that shares no mutable state with i
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	c.Deadline = cloneTime(i.Deadline)

	if i.Swap != nil {
		s := *i.Swap
		s.AmountIn = cloneInt(s.AmountIn)
		s.MinAmountOut = cloneInt(s.MinAmountOut)
		s.QuotedOut = cloneInt(s.QuotedOut)
		c.Swap = &s
	}
	if i.AddLiquidity != nil {
		a := *i.AddLiquidity
		a.BaseAmount = cloneInt(a.BaseAmount)
		a.QuoteAmount = cloneInt(a.QuoteAmount)
		a.MintAmount = cloneInt(a.MintAmount)
		a.MinMintAmount = cloneInt(a.MinMintAmount)
		c.AddLiquidity = &a
	}
	if i.RemoveLiquidity != nil {
		r := *i.RemoveLiquidity
		r.LPAmount = cloneInt(r.LPAmount)
		r.ExpectedBaseAmount = cloneInt(r.ExpectedBaseAmount)
		r.ExpectedQuoteAmount = cloneInt(r.ExpectedQuoteAmount)
		r.MinBaseAmount = cloneInt(r.MinBaseAmount)
		r.MinQuoteAmount = cloneInt(r.MinQuoteAmount)
		c.RemoveLiquidity = &r
	}

	if i.Legs != nil {
		c.Legs = make([]DepositLeg, len(i.Legs))
		for n, leg := range i.Legs {
			leg.Amount = cloneInt(leg.Amount)
			leg.ObservedAt = cloneTime(leg.ObservedAt)
			c.Legs[n] = leg
		}
	}
	if i.Payouts != nil {
		c.Payouts = make([]Payout, len(i.Payouts))
		for n, p := range i.Payouts {
			p.Amount = cloneInt(p.Amount)
			p.PaidAt = cloneTime(p.PaidAt)
			c.Payouts[n] = p
		}
	}
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
