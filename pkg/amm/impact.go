package amm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// PriceImpact returns, as a percentage, how far the execution price of a swap falls short of the
// pool's spot price. The result is for display only and must never feed settlement math.
func PriceImpact(amountIn, amountOut, reserveIn, reserveOut *big.Int) decimal.Decimal {
	if !positive(amountIn) || !positive(reserveIn) || !positive(reserveOut) {
		return decimal.Zero
	}

	spot := decimal.NewFromBigInt(reserveOut, 0).Div(decimal.NewFromBigInt(reserveIn, 0))
	execution := decimal.NewFromBigInt(orZero(amountOut), 0).Div(decimal.NewFromBigInt(amountIn, 0))
	if spot.IsZero() {
		return decimal.Zero
	}

	impact := decimal.NewFromInt(1).Sub(execution.Div(spot)).Mul(decimal.NewFromInt(100))
	if impact.IsNegative() {
		return decimal.Zero
	}
	return impact.Round(4)
}
