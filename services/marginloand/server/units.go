package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by base units.
const Decimals = 18

var errInvalidDecimal = errors.New("invalid decimal amount")

// ParseAmount converts a whole-unit decimal string such as "1.5" into base
// units. More than Decimals fractional digits is rejected rather than rounded.
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", errInvalidDecimal)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errInvalidDecimal, raw)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", errInvalidDecimal, raw)
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", errInvalidDecimal, raw, Decimals)
	}
	value, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q overflows", errInvalidDecimal, raw)
	}
	return value, nil
}

// FormatAmount renders base units as a whole-unit decimal string.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals).String()
}
