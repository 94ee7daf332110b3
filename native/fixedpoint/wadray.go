package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow reports an intermediate result that does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrDivisionByZero reports a zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

var (
	// WAD is 1.0 at 18 decimals of precision.
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
	// HalfWAD is used to round half up when scaling by WAD.
	HalfWAD = uint256.NewInt(500_000_000_000_000_000)
	// RAY is 1.0 at 27 decimals of precision.
	RAY = uint256.MustFromDecimal("1000000000000000000000000000")
	// HalfRAY is used to round half up when scaling by RAY.
	HalfRAY = uint256.MustFromDecimal("500000000000000000000000000")
	// WadRayRatio converts between the two precisions.
	WadRayRatio = uint256.NewInt(1_000_000_000)
)

// Ray returns a fresh copy of RAY so callers can mutate the result.
func Ray() *uint256.Int { return new(uint256.Int).Set(RAY) }

// Wad returns a fresh copy of WAD.
func Wad() *uint256.Int { return new(uint256.Int).Set(WAD) }

// mulDivHalfUp computes (a*b + half) / base, failing when the numerator does
// not fit in 256 bits.
func mulDivHalfUp(a, b, half, base *uint256.Int) (*uint256.Int, error) {
	if a == nil || b == nil {
		return new(uint256.Int), nil
	}
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = product.AddOverflow(product, half); overflow {
		return nil, ErrOverflow
	}
	return product.Div(product, base), nil
}

// divHalfUp computes (a*base + b/2) / b.
func divHalfUp(a, b, base *uint256.Int) (*uint256.Int, error) {
	if b == nil || b.IsZero() {
		return nil, ErrDivisionByZero
	}
	if a == nil {
		return new(uint256.Int), nil
	}
	half := new(uint256.Int).Rsh(b, 1)
	scaled, overflow := new(uint256.Int).MulOverflow(a, base)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = scaled.AddOverflow(scaled, half); overflow {
		return nil, ErrOverflow
	}
	return scaled.Div(scaled, b), nil
}

// WadMul multiplies two wads, rounding half up.
func WadMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDivHalfUp(a, b, HalfWAD, WAD)
}

// WadDiv divides two wads, rounding half up.
func WadDiv(a, b *uint256.Int) (*uint256.Int, error) {
	return divHalfUp(a, b, WAD)
}

// RayMul multiplies two rays, rounding half up.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	return mulDivHalfUp(a, b, HalfRAY, RAY)
}

// RayDiv divides two rays, rounding half up.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	return divHalfUp(a, b, RAY)
}

// RayToWad truncates a ray to wad precision. Rounding down keeps converted
// balances from growing.
func RayToWad(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(a, WadRayRatio)
}

// WadToRay scales a wad up to ray precision.
func WadToRay(a *uint256.Int) (*uint256.Int, error) {
	if a == nil {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulOverflow(a, WadRayRatio)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// RayPow raises x to the integer power n using binary exponentiation in ray
// space. RayPow(x, 0) is RAY.
func RayPow(x *uint256.Int, n uint64) (*uint256.Int, error) {
	if x == nil {
		x = new(uint256.Int)
	}
	base := new(uint256.Int).Set(x)
	z := Ray()
	if n%2 != 0 {
		z.Set(base)
	}
	var err error
	for n /= 2; n != 0; n /= 2 {
		if base, err = RayMul(base, base); err != nil {
			return nil, err
		}
		if n%2 != 0 {
			if z, err = RayMul(z, base); err != nil {
				return nil, err
			}
		}
	}
	return z, nil
}

var taylorDenominators = [...]uint64{1, 2, 6, 24, 120}

// RayExp approximates e^x in ray space with the first six terms of the Taylor
// series: 1 + x + x²/2 + x³/6 + x⁴/24 + x⁵/120. Each power is the previous
// one multiplied by x with RayMul.
func RayExp(x *uint256.Int) (*uint256.Int, error) {
	sum := Ray()
	if x == nil || x.IsZero() {
		return sum, nil
	}
	power := new(uint256.Int).Set(x)
	for i, denom := range taylorDenominators {
		if i > 0 {
			next, err := RayMul(power, x)
			if err != nil {
				return nil, err
			}
			power = next
		}
		term := new(uint256.Int).Div(power, uint256.NewInt(denom))
		if _, overflow := sum.AddOverflow(sum, term); overflow {
			return nil, ErrOverflow
		}
	}
	return sum, nil
}
