package reserve

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
)

const oneYearRate = "31536000000000000000000000"

func freshReserve(last uint64) ReserveData {
	var reserve ReserveData
	reserve.LiquidityIndex.Set(fixedpoint.RAY)
	reserve.UsageIndex.Set(fixedpoint.RAY)
	reserve.LastUpdateTimestamp = last
	return reserve
}

func TestLinearInterestIsExactOverOneYear(t *testing.T) {
	got, err := LinearInterest(mustDec(t, oneYearRate), SecondsPerYear)
	if err != nil {
		t.Fatalf("linear interest: %v", err)
	}
	if want := mustDec(t, "1031536000000000000000000000"); !got.Eq(want) {
		t.Fatalf("expected %s, got %s", want.Dec(), got.Dec())
	}
}

func TestAccrueInterestAdvancesIndexes(t *testing.T) {
	reserve := freshReserve(1_000)
	rates := defaultRates(t)
	rates.CurrentLiquidityRate.Set(mustDec(t, oneYearRate))
	rates.CurrentUsageRate.Set(mustDec(t, oneYearRate))

	changed, err := AccrueInterest(&reserve, rates, 1_000+SecondsPerYear)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !changed {
		t.Fatalf("expected accrual to report a change")
	}
	if want := mustDec(t, "1031536000000000000000000000"); !reserve.LiquidityIndex.Eq(want) {
		t.Fatalf("expected liquidity index %s, got %s", want.Dec(), reserve.LiquidityIndex.Dec())
	}
	compounded, err := fixedpoint.RayExp(mustDec(t, oneYearRate))
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	if !reserve.UsageIndex.Eq(compounded) {
		t.Fatalf("expected usage index %s, got %s", compounded.Dec(), reserve.UsageIndex.Dec())
	}
	if !reserve.UsageIndex.Gt(&reserve.LiquidityIndex) {
		t.Fatalf("expected compounded index above linear index")
	}
	if reserve.LastUpdateTimestamp != 1_000+SecondsPerYear {
		t.Fatalf("expected timestamp to advance, got %d", reserve.LastUpdateTimestamp)
	}
}

func TestAccrueInterestSameTimestampIsNoop(t *testing.T) {
	reserve := freshReserve(500)
	rates := defaultRates(t)
	rates.CurrentUsageRate.Set(percentOfRay(20))
	before := reserve

	changed, err := AccrueInterest(&reserve, rates, 500)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if changed || reserve != before {
		t.Fatalf("expected no change for zero elapsed time")
	}
}

func TestAccrueInterestRejectsRegressedTimestamp(t *testing.T) {
	reserve := freshReserve(500)
	before := reserve
	if _, err := AccrueInterest(&reserve, defaultRates(t), 499); !errors.Is(err, ErrTimestampRegressed) {
		t.Fatalf("expected ErrTimestampRegressed, got %v", err)
	}
	if reserve != before {
		t.Fatalf("expected reserve untouched")
	}
}

func TestAccrueInterestRejectsZeroLiquidityIndex(t *testing.T) {
	reserve := freshReserve(500)
	reserve.LiquidityIndex.Clear()
	before := reserve
	_, err := AccrueInterest(&reserve, defaultRates(t), 600)
	if !errors.Is(err, ErrLiquidityIndexIsZero) {
		t.Fatalf("expected ErrLiquidityIndexIsZero, got %v", err)
	}
	if KindOf(err) != KindInvariant {
		t.Fatalf("expected invariant kind, got %s", KindOf(err))
	}
	if reserve != before {
		t.Fatalf("expected reserve untouched")
	}
}

func TestAccrueInterestWithZeroRatesOnlyMovesClock(t *testing.T) {
	reserve := freshReserve(500)
	rates := defaultRates(t)
	changed, err := AccrueInterest(&reserve, rates, 900)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if !reserve.LiquidityIndex.Eq(fixedpoint.RAY) || !reserve.UsageIndex.Eq(fixedpoint.RAY) {
		t.Fatalf("expected unit indexes, got %s/%s", reserve.LiquidityIndex.Dec(), reserve.UsageIndex.Dec())
	}
	if reserve.LastUpdateTimestamp != 900 {
		t.Fatalf("expected timestamp 900, got %d", reserve.LastUpdateTimestamp)
	}
}

func TestUpdateInterestRatesAndLiquidityRejectsOverdraw(t *testing.T) {
	reserve := freshReserve(0)
	reserve.TotalLiquidity.SetUint64(100)
	rates := defaultRates(t)
	before := reserve
	beforeRates := *rates

	err := UpdateInterestRatesAndLiquidity(&reserve, rates, nil, uint256.NewInt(101))
	var liqErr *InsufficientLiquidityError
	if !errors.As(err, &liqErr) {
		t.Fatalf("expected InsufficientLiquidityError, got %v", err)
	}
	if liqErr.Available.Uint64() != 100 || liqErr.Requested.Uint64() != 101 {
		t.Fatalf("unexpected error detail: %v", liqErr)
	}
	if reserve != before || *rates != beforeRates {
		t.Fatalf("expected state untouched")
	}
}

func TestNormalizedProjectionsMatchAccrual(t *testing.T) {
	reserve := freshReserve(10)
	rates := defaultRates(t)
	rates.CurrentLiquidityRate.Set(percentOfRay(4))
	rates.CurrentUsageRate.Set(percentOfRay(9))

	income, err := NormalizedIncome(&reserve, rates, 10+86_400)
	if err != nil {
		t.Fatalf("income: %v", err)
	}
	debt, err := NormalizedDebt(&reserve, rates, 10+86_400)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if _, err := AccrueInterest(&reserve, rates, 10+86_400); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !income.Eq(&reserve.LiquidityIndex) {
		t.Fatalf("income %s does not match index %s", income.Dec(), reserve.LiquidityIndex.Dec())
	}
	if !debt.Eq(&reserve.UsageIndex) {
		t.Fatalf("debt %s does not match index %s", debt.Dec(), reserve.UsageIndex.Dec())
	}
}
