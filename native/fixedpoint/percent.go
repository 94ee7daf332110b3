package fixedpoint

import "github.com/holiman/uint256"

const (
	// PercentageFactor is 100.00% expressed in basis points.
	PercentageFactor uint64 = 10_000
	// HalfPercentage rounds percentage operations half up.
	HalfPercentage uint64 = 5_000
)

var (
	percentageFactor = uint256.NewInt(PercentageFactor)
	halfPercentage   = uint256.NewInt(HalfPercentage)
)

// PercentMul returns value * bps / 10000 rounded half up, e.g. PercentMul(x, 500)
// is 5% of x.
func PercentMul(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	return mulDivHalfUp(value, uint256.NewInt(bps), halfPercentage, percentageFactor)
}

// PercentDiv returns value * 10000 / bps rounded half up.
func PercentDiv(value *uint256.Int, bps uint64) (*uint256.Int, error) {
	if bps == 0 {
		return nil, ErrDivisionByZero
	}
	return divHalfUp(value, uint256.NewInt(bps), percentageFactor)
}
