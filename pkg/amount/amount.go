// Package amount converts between decimal display strings and raw integer token units.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned for malformed decimal input
var ErrInvalidAmount = errors.New("invalid amount")

// ToRaw parses a decimal string of the form [-]digits[.digits] into raw units scaled by 10^decimals.
// Fractional digits beyond decimals are truncated, never rounded. An empty string yields zero.
func ToRaw(value string, decimals uint8) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}

	negative := false
	if strings.HasPrefix(value, "-") {
		negative = true
		value = value[1:]
	}

	for _, r := range value {
		if (r < '0' || r > '9') && r != '.' {
			return nil, fmt.Errorf("%w: unexpected character %q", ErrInvalidAmount, r)
		}
	}

	whole, frac, hasPoint := strings.Cut(value, ".")
	if hasPoint && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("%w: more than one decimal point", ErrInvalidAmount)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: no digits", ErrInvalidAmount)
	}
	if hasPoint && frac == "" {
		return nil, fmt.Errorf("%w: trailing decimal point", ErrInvalidAmount)
	}

	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	} else {
		frac += strings.Repeat("0", int(decimals)-len(frac))
	}

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}

	raw, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, value)
	}
	if negative {
		raw.Neg(raw)
	}
	return raw, nil
}

// Format renders raw units as a decimal string with trailing fractional zeros stripped
func Format(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}

	digits := new(big.Int).Abs(raw).String()
	sign := ""
	if raw.Sign() < 0 {
		sign = "-"
	}
	if decimals == 0 {
		return sign + digits
	}

	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	split := len(digits) - int(decimals)
	whole, frac := digits[:split], strings.TrimRight(digits[split:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

// MustToRaw is ToRaw for constants and tests; it panics on malformed input
func MustToRaw(value string, decimals uint8) *big.Int {
	raw, err := ToRaw(value, decimals)
	if err != nil {
		panic(err)
	}
	return raw
}
