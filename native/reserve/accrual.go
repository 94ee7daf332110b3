package reserve

import (
	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
)

// SecondsPerYear is the annualisation base for all rates.
const SecondsPerYear uint64 = 31_536_000

var secondsPerYear = uint256.NewInt(SecondsPerYear)

func ratePerSecondTimes(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	perSecond, err := fixedpoint.RayDiv(rate, secondsPerYear)
	if err != nil {
		return nil, err
	}
	return fixedpoint.RayMul(perSecond, uint256.NewInt(elapsed))
}

// LinearInterest returns the simple interest growth factor, as a ray, for
// the annual rate over elapsed seconds.
func LinearInterest(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	interest, err := ratePerSecondTimes(rate, elapsed)
	if err != nil {
		return nil, err
	}
	return addChecked(fixedpoint.RAY, interest)
}

// CompoundedInterest returns exp(rate * elapsed / year) as a ray.
func CompoundedInterest(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	exponent, err := ratePerSecondTimes(rate, elapsed)
	if err != nil {
		return nil, err
	}
	return fixedpoint.RayExp(exponent)
}

// AccrueInterest advances both indexes of the reserve to now using the
// current rates. It reports whether any time elapsed. The reserve is only
// modified when every computation succeeds.
func AccrueInterest(reserve *ReserveData, rates *RateData, now uint64) (bool, error) {
	if now < reserve.LastUpdateTimestamp {
		return false, ErrTimestampRegressed
	}
	elapsed := now - reserve.LastUpdateTimestamp
	if elapsed == 0 {
		return false, nil
	}
	if reserve.LiquidityIndex.IsZero() {
		return false, ErrLiquidityIndexIsZero
	}
	if reserve.UsageIndex.IsZero() {
		return false, ErrUsageIndexIsZero
	}

	linear, err := LinearInterest(&rates.CurrentLiquidityRate, elapsed)
	if err != nil {
		return false, err
	}
	liquidityIndex, err := fixedpoint.RayMul(linear, &reserve.LiquidityIndex)
	if err != nil {
		return false, err
	}
	compounded, err := CompoundedInterest(&rates.CurrentUsageRate, elapsed)
	if err != nil {
		return false, err
	}
	usageIndex, err := fixedpoint.RayMul(&reserve.UsageIndex, compounded)
	if err != nil {
		return false, err
	}

	reserve.LiquidityIndex.Set(liquidityIndex)
	reserve.UsageIndex.Set(usageIndex)
	reserve.LastUpdateTimestamp = now
	return true, nil
}

// UpdateInterestRatesAndLiquidity applies a liquidity delta and recomputes
// the live rates from the resulting utilization. Nil deltas count as zero.
func UpdateInterestRatesAndLiquidity(reserve *ReserveData, rates *RateData, added, removed *uint256.Int) error {
	liquidity := clone(&reserve.TotalLiquidity)
	if added != nil && !added.IsZero() {
		next, err := addChecked(liquidity, added)
		if err != nil {
			return err
		}
		liquidity = next
	}
	if removed != nil && !removed.IsZero() {
		next, ok := subChecked(liquidity, removed)
		if !ok {
			return &InsufficientLiquidityError{Requested: clone(removed), Available: liquidity}
		}
		liquidity = next
	}

	utilization, err := CalculateUtilizationRate(liquidity, &reserve.TotalUsage)
	if err != nil {
		return err
	}
	usageRate, err := CalculateUsageRate(rates, utilization)
	if err != nil {
		return err
	}
	liquidityRate, err := CalculateLiquidityRate(utilization, usageRate, &rates.ProtocolFeeRate, &reserve.TotalUsage)
	if err != nil {
		return err
	}

	reserve.TotalLiquidity.Set(liquidity)
	rates.CurrentUsageRate.Set(usageRate)
	rates.CurrentLiquidityRate.Set(liquidityRate)
	return nil
}

// NormalizedIncome projects the liquidity index to now without mutating the
// reserve.
func NormalizedIncome(reserve *ReserveData, rates *RateData, now uint64) (*uint256.Int, error) {
	if now < reserve.LastUpdateTimestamp {
		return nil, ErrTimestampRegressed
	}
	elapsed := now - reserve.LastUpdateTimestamp
	if elapsed == 0 {
		return clone(&reserve.LiquidityIndex), nil
	}
	linear, err := LinearInterest(&rates.CurrentLiquidityRate, elapsed)
	if err != nil {
		return nil, err
	}
	return fixedpoint.RayMul(linear, &reserve.LiquidityIndex)
}

// NormalizedDebt projects the usage index to now without mutating the
// reserve.
func NormalizedDebt(reserve *ReserveData, rates *RateData, now uint64) (*uint256.Int, error) {
	if now < reserve.LastUpdateTimestamp {
		return nil, ErrTimestampRegressed
	}
	elapsed := now - reserve.LastUpdateTimestamp
	if elapsed == 0 {
		return clone(&reserve.UsageIndex), nil
	}
	compounded, err := CompoundedInterest(&rates.CurrentUsageRate, elapsed)
	if err != nil {
		return nil, err
	}
	return fixedpoint.RayMul(&reserve.UsageIndex, compounded)
}
