package slippage

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinOutFromSlippage(t *testing.T) {
	tests := []struct {
		quoted int64
		bps    int64
		want   int64
	}{
		{19743, 50, 19644},
		{19743, 0, 19743},
		{19743, 10000, 0},
		{1, 1, 0},
		{10000, 30, 9970},
		{0, 50, 0},
	}

	for _, tt := range tests {
		got := MinOutFromSlippage(big.NewInt(tt.quoted), tt.bps)
		assert.Equal(t, tt.want, got.Int64(), "quoted=%d bps=%d", tt.quoted, tt.bps)
	}
}

func TestValidateBps(t *testing.T) {
	assert.NoError(t, ValidateBps(0))
	assert.NoError(t, ValidateBps(10000))
	assert.ErrorIs(t, ValidateBps(-1), ErrInvalidTolerance)
	assert.ErrorIs(t, ValidateBps(10001), ErrInvalidTolerance)
}

func TestAssert(t *testing.T) {
	assert.NoError(t, Assert(big.NewInt(100), big.NewInt(100)), "equal never fails")
	assert.NoError(t, Assert(big.NewInt(101), big.NewInt(100)))

	err := Assert(big.NewInt(99), big.NewInt(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "99", exceeded.Actual.String())
	assert.Equal(t, "100", exceeded.Min.String())
}

func TestAssertIffBelowMinimum(t *testing.T) {
	for actual := int64(0); actual < 20; actual++ {
		for min := int64(0); min < 20; min++ {
			err := Assert(big.NewInt(actual), big.NewInt(min))
			assert.Equal(t, actual < min, err != nil, "actual=%d min=%d", actual, min)
		}
	}
}
