// Package slippage bounds how far a settled output may fall below its quote.
package slippage

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxBps is the largest accepted slippage tolerance
const MaxBps = 10000

// ErrSlippageExceeded matches any *ExceededError
var ErrSlippageExceeded = errors.New("slippage exceeded")

// ErrInvalidTolerance is returned for a tolerance outside [0, MaxBps]
var ErrInvalidTolerance = errors.New("invalid slippage tolerance")

// ExceededError carries the output that was attempted and the minimum that was required
type ExceededError struct {
	Actual *big.Int
	Min    *big.Int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("slippage exceeded: actual %s < required %s", e.Actual, e.Min)
}

// Is lets errors.Is(err, ErrSlippageExceeded) match
func (e *ExceededError) Is(target error) bool {
	return target == ErrSlippageExceeded
}

// ValidateBps checks that a tolerance is expressible in basis points
func ValidateBps(bps int64) error {
	if bps < 0 || bps > MaxBps {
		return fmt.Errorf("%w: %d bps", ErrInvalidTolerance, bps)
	}
	return nil
}

// MinOutFromSlippage returns floor(quoted * (10000 - bps) / 10000).
// Callers validate bps with ValidateBps first; out-of-range values are clamped.
func MinOutFromSlippage(quoted *big.Int, bps int64) *big.Int {
	if quoted == nil || quoted.Sign() <= 0 {
		return new(big.Int)
	}
	if bps < 0 {
		bps = 0
	}
	if bps > MaxBps {
		bps = MaxBps
	}

	minOut := new(big.Int).Mul(quoted, big.NewInt(MaxBps-bps))
	return minOut.Quo(minOut, big.NewInt(MaxBps))
}

// Assert fails with *ExceededError when actual < min and has no side effects otherwise
func Assert(actual, min *big.Int) error {
	a, m := orZero(actual), orZero(min)
	if a.Cmp(m) < 0 {
		return &ExceededError{Actual: new(big.Int).Set(a), Min: new(big.Int).Set(m)}
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
