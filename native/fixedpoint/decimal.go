package fixedpoint

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const rayDecimals = 27

// RayFromDecimal parses a human readable fraction such as "0.105" (10.5%) into
// a ray, rounding half up at the 27th decimal.
func RayFromDecimal(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("fixedpoint: empty decimal")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", trimmed, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("fixedpoint: negative decimal %q", trimmed)
	}
	scaled := d.Shift(rayDecimals).Round(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// FormatRay renders a ray as a plain decimal fraction.
func FormatRay(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value.ToBig(), -rayDecimals).String()
}
