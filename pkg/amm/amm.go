// Package amm implements integer-exact constant-product pricing and liquidity math.
// All amounts are raw token units; every division floors, so rounding always favors the pool.
package amm

import (
	"errors"
	"fmt"
	"math/big"
)

// BpsDenominator is the number of basis points in one whole
const BpsDenominator = 10000

// ErrArithmetic is returned for operations with no integer result, such as a negative square root
var ErrArithmetic = errors.New("arithmetic error")

var (
	bigZero = big.NewInt(0)
	bigOne  = big.NewInt(1)
	bigTwo  = big.NewInt(2)
	bpsDen  = big.NewInt(BpsDenominator)
)

// GetAmountOut returns the output of a swap of amountIn against (reserveIn, reserveOut),
// with feeBps taken from the input side. It returns zero if any operand is non-positive.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) *big.Int {
	if !positive(amountIn) || !positive(reserveIn) || !positive(reserveOut) || feeBps >= BpsDenominator {
		return new(big.Int)
	}

	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(BpsDenominator-feeBps)))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, bpsDen)
	denominator.Add(denominator, amountInWithFee)

	return numerator.Quo(numerator, denominator)
}

// IntegerSqrt returns floor(sqrt(value)) using Newton's method on integers
func IntegerSqrt(value *big.Int) (*big.Int, error) {
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: square root of negative value", ErrArithmetic)
	}
	if value.Cmp(bigTwo) < 0 {
		return new(big.Int).Set(value), nil
	}

	// Start above the root so the iteration decreases monotonically
	x := new(big.Int).Lsh(bigOne, uint(value.BitLen()+1)/2)
	for {
		// y = (x + value/x) / 2
		y := new(big.Int).Quo(value, x)
		y.Add(y, x)
		y.Rsh(y, 1)
		if y.Cmp(x) >= 0 {
			return x, nil
		}
		x = y
	}
}

// GetLPToMint returns the LP tokens minted for depositing (amountA, amountB).
// On bootstrap (no supply or an empty reserve) the depositor receives sqrt(amountA*amountB)
// and owns the whole pool; otherwise the binding side determines the mint.
func GetLPToMint(amountA, amountB, reserveA, reserveB, totalSupply *big.Int) (*big.Int, error) {
	if !nonNegative(amountA) || !nonNegative(amountB) {
		return nil, fmt.Errorf("%w: negative deposit", ErrArithmetic)
	}

	if !positive(totalSupply) || !positive(reserveA) || !positive(reserveB) {
		return IntegerSqrt(new(big.Int).Mul(amountA, amountB))
	}

	fromA := new(big.Int).Mul(amountA, totalSupply)
	fromA.Quo(fromA, reserveA)
	fromB := new(big.Int).Mul(amountB, totalSupply)
	fromB.Quo(fromB, reserveB)

	if fromA.Cmp(fromB) < 0 {
		return fromA, nil
	}
	return fromB, nil
}

// GetProportionalOut returns the share of each reserve redeemed by lpAmount out of totalSupply
func GetProportionalOut(lpAmount, totalSupply, reserveA, reserveB *big.Int) (amountA, amountB *big.Int) {
	if !positive(totalSupply) || !positive(lpAmount) {
		return new(big.Int), new(big.Int)
	}

	amountA = new(big.Int).Mul(orZero(reserveA), lpAmount)
	amountA.Quo(amountA, totalSupply)
	amountB = new(big.Int).Mul(orZero(reserveB), lpAmount)
	amountB.Quo(amountB, totalSupply)
	return amountA, amountB
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func nonNegative(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return bigZero
	}
	return v
}
