package reserve

import (
	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
)

// ValidateRates enforces the ordering rules of the rate curve:
// base < prime < max, base < optimal < max, 0 < optimal utilization < 100%
// and a protocol fee of at most 100%.
func ValidateRates(r *RateData) error {
	if r == nil {
		return &InvalidRatesError{Reason: "rate data missing"}
	}
	switch {
	case r.BaseRate.Cmp(&r.PrimeRate) >= 0:
		return &InvalidRatesError{Reason: "base rate must be below prime rate"}
	case r.PrimeRate.Cmp(&r.MaxRate) >= 0:
		return &InvalidRatesError{Reason: "prime rate must be below max rate"}
	case r.BaseRate.Cmp(&r.OptimalRate) >= 0:
		return &InvalidRatesError{Reason: "base rate must be below optimal rate"}
	case r.OptimalRate.Cmp(&r.MaxRate) >= 0:
		return &InvalidRatesError{Reason: "optimal rate must be below max rate"}
	case r.OptimalUtilizationRate.IsZero() || r.OptimalUtilizationRate.Cmp(fixedpoint.RAY) >= 0:
		return &InvalidRatesError{Reason: "optimal utilization must be within (0, 1)"}
	case r.ProtocolFeeRate.Cmp(fixedpoint.RAY) > 0:
		return &InvalidRatesError{Reason: "protocol fee must not exceed 100%"}
	}
	return nil
}

// CalculateUtilizationRate returns usage / liquidity as a ray. An empty
// reserve reports zero utilization. The ratio is not clamped, so usage above
// liquidity yields a value greater than one ray.
func CalculateUtilizationRate(totalLiquidity, totalUsage *uint256.Int) (*uint256.Int, error) {
	if totalLiquidity == nil || totalLiquidity.IsZero() {
		return new(uint256.Int), nil
	}
	if totalUsage == nil {
		return new(uint256.Int), nil
	}
	return fixedpoint.RayDiv(totalUsage, totalLiquidity)
}

// CalculateUsageRate evaluates the kinked borrow curve at the given
// utilization. Below the kink the rate climbs from base to optimal; above it
// the rate climbs from optimal to max at full utilization and keeps rising
// past that point. PrimeRate is not an input: it is a bounded reference rate
// validated against the curve, and moving it leaves the live rates as they
// are until the curve itself changes.
func CalculateUsageRate(r *RateData, utilization *uint256.Int) (*uint256.Int, error) {
	if r == nil || utilization == nil {
		return nil, &InvalidRatesError{Reason: "rate data missing"}
	}
	if r.OptimalRate.Lt(&r.BaseRate) || r.MaxRate.Lt(&r.OptimalRate) {
		return nil, &InvalidRatesError{Reason: "rate curve is not monotonic"}
	}
	if r.OptimalUtilizationRate.IsZero() || !r.OptimalUtilizationRate.Lt(fixedpoint.RAY) {
		return nil, &InvalidRatesError{Reason: "optimal utilization must be within (0, 1)"}
	}

	if !utilization.Gt(&r.OptimalUtilizationRate) {
		slope := new(uint256.Int).Sub(&r.OptimalRate, &r.BaseRate)
		scaled, err := fixedpoint.RayMul(utilization, slope)
		if err != nil {
			return nil, err
		}
		increase, err := fixedpoint.RayDiv(scaled, &r.OptimalUtilizationRate)
		if err != nil {
			return nil, err
		}
		return addChecked(&r.BaseRate, increase)
	}

	excess := new(uint256.Int).Sub(utilization, &r.OptimalUtilizationRate)
	maxExcess := new(uint256.Int).Sub(fixedpoint.RAY, &r.OptimalUtilizationRate)
	slope := new(uint256.Int).Sub(&r.MaxRate, &r.OptimalRate)
	scaled, err := fixedpoint.RayMul(excess, slope)
	if err != nil {
		return nil, err
	}
	increase, err := fixedpoint.RayDiv(scaled, maxExcess)
	if err != nil {
		return nil, err
	}
	return addChecked(&r.OptimalRate, increase)
}

// CalculateLiquidityRate derives the supplier rate from the borrow rate:
// utilization * usageRate less the protocol's cut.
func CalculateLiquidityRate(utilization, usageRate, protocolFeeRate, totalUsage *uint256.Int) (*uint256.Int, error) {
	if totalUsage == nil || totalUsage.IsZero() {
		return new(uint256.Int), nil
	}
	gross, err := fixedpoint.RayMul(utilization, usageRate)
	if err != nil {
		return nil, err
	}
	if protocolFeeRate == nil || protocolFeeRate.IsZero() {
		return gross, nil
	}
	fee, err := fixedpoint.RayMul(gross, protocolFeeRate)
	if err != nil {
		return nil, err
	}
	if fee.Gt(gross) {
		return new(uint256.Int), nil
	}
	return gross.Sub(gross, fee), nil
}

func addChecked(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func subChecked(a, b *uint256.Int) (*uint256.Int, bool) {
	if a.Lt(b) {
		return nil, false
	}
	return new(uint256.Int).Sub(a, b), true
}
