package reserve

import (
	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
)

// ReserveData captures the accounting state of a single reserve market.
// Amounts are in the underlying asset's smallest unit; indexes are rays.
type ReserveData struct {
	// TotalLiquidity is the principal deposited into the reserve.
	TotalLiquidity uint256.Int
	// TotalUsage is the principal currently borrowed from the reserve.
	TotalUsage uint256.Int
	// LiquidityIndex is the cumulative linear growth factor for deposits.
	LiquidityIndex uint256.Int
	// UsageIndex is the cumulative compounded growth factor for borrows.
	UsageIndex uint256.Int
	// LastUpdateTimestamp records the unix second of the last accrual.
	LastUpdateTimestamp uint64
}

// RateData holds the interest rate curve and the live rates derived from it.
// Every field is a ray.
type RateData struct {
	PrimeRate              uint256.Int
	BaseRate               uint256.Int
	OptimalRate            uint256.Int
	MaxRate                uint256.Int
	OptimalUtilizationRate uint256.Int
	ProtocolFeeRate        uint256.Int

	CurrentLiquidityRate uint256.Int
	CurrentUsageRate     uint256.Int
}

// CurveParams are the governance controlled parameters of the rate curve.
type CurveParams struct {
	BaseRate               *uint256.Int
	OptimalRate            *uint256.Int
	MaxRate                *uint256.Int
	OptimalUtilizationRate *uint256.Int
	ProtocolFeeRate        *uint256.Int
}

// RateParams seed a new reserve.
type RateParams struct {
	PrimeRate *uint256.Int
	CurveParams
}

func percentOfRay(pct uint64) *uint256.Int {
	out := new(uint256.Int).Mul(fixedpoint.RAY, uint256.NewInt(pct))
	return out.Div(out, uint256.NewInt(100))
}

// DefaultRateParams returns a 5% base, 10% prime, 15% optimal and 100% max
// rate curve kinked at 50% utilization with no protocol fee.
func DefaultRateParams() RateParams {
	return RateParams{
		PrimeRate: percentOfRay(10),
		CurveParams: CurveParams{
			BaseRate:               percentOfRay(5),
			OptimalRate:            percentOfRay(15),
			MaxRate:                percentOfRay(100),
			OptimalUtilizationRate: percentOfRay(50),
			ProtocolFeeRate:        new(uint256.Int),
		},
	}
}

func (p CurveParams) complete() bool {
	return p.BaseRate != nil && p.OptimalRate != nil && p.MaxRate != nil &&
		p.OptimalUtilizationRate != nil && p.ProtocolFeeRate != nil
}

func (r *RateData) applyCurve(p CurveParams) {
	r.BaseRate.Set(p.BaseRate)
	r.OptimalRate.Set(p.OptimalRate)
	r.MaxRate.Set(p.MaxRate)
	r.OptimalUtilizationRate.Set(p.OptimalUtilizationRate)
	r.ProtocolFeeRate.Set(p.ProtocolFeeRate)
}

// Curve returns the curve parameters as independent copies.
func (r RateData) Curve() CurveParams {
	return CurveParams{
		BaseRate:               clone(&r.BaseRate),
		OptimalRate:            clone(&r.OptimalRate),
		MaxRate:                clone(&r.MaxRate),
		OptimalUtilizationRate: clone(&r.OptimalUtilizationRate),
		ProtocolFeeRate:        clone(&r.ProtocolFeeRate),
	}
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// Validate checks params without constructing an engine.
func (p RateParams) Validate() error {
	if p.PrimeRate == nil || p.PrimeRate.IsZero() {
		return ErrPrimeRateMustBePositive
	}
	if !p.complete() {
		return &InvalidRatesError{Reason: "curve parameters missing"}
	}
	var rates RateData
	rates.PrimeRate.Set(p.PrimeRate)
	rates.applyCurve(p.CurveParams)
	return ValidateRates(&rates)
}
