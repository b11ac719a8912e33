package models

import (
	"math/big"
	"time"
)

// DepositEvent is one incoming transfer observed on the ledger
type DepositEvent struct {
	Ref         string    `json:"ref"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Token       string    `json:"token"`
	Amount      *big.Int  `json:"amount"`
	ExternalTag string    `json:"external_tag,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PoolReserves is a fresh snapshot of a pool's liquidity, in raw units
type PoolReserves struct {
	ReserveBase   *big.Int `json:"reserve_base"`
	ReserveQuote  *big.Int `json:"reserve_quote"`
	TotalLPSupply *big.Int `json:"total_lp_supply"`
}

// Oriented returns (reserveIn, reserveOut) for a trade that sells the base token when baseIn is true
func (r PoolReserves) Oriented(baseIn bool) (*big.Int, *big.Int) {
	if baseIn {
		return r.ReserveBase, r.ReserveQuote
	}
	return r.ReserveQuote, r.ReserveBase
}
