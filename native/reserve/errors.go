package reserve

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"raac/native/common"
	"raac/native/fixedpoint"
)

var (
	ErrInvalidAmount                 = errors.New("reserve: amount must be positive")
	ErrDivisionByZero                = fixedpoint.ErrDivisionByZero
	ErrOverflow                      = fixedpoint.ErrOverflow
	ErrInsufficientLiquidity         = errors.New("reserve: insufficient liquidity")
	ErrInsufficientUsage             = errors.New("reserve: usage decrease exceeds total usage")
	ErrPrimeRateMustBePositive       = errors.New("reserve: prime rate must be positive")
	ErrPrimeRateChangeExceedsLimit   = errors.New("reserve: prime rate change exceeds limit")
	ErrInvalidInterestRateParameters = errors.New("reserve: invalid interest rate parameters")
	ErrLiquidityIndexIsZero          = errors.New("reserve: liquidity index is zero")
	ErrUsageIndexIsZero              = errors.New("reserve: usage index is zero")
	ErrTimestampRegressed            = errors.New("reserve: timestamp precedes last update")
	ErrReentrantCall                 = errors.New("reserve: reentrant call")
)

// PrimeRateChangeError reports a prime rate update that moved further than the
// allowed delta from the current rate.
type PrimeRateChangeError struct {
	Old       *uint256.Int
	New       *uint256.Int
	MaxChange *uint256.Int
}

func (e *PrimeRateChangeError) Error() string {
	return fmt.Sprintf("%s: old=%s new=%s maxChange=%s", ErrPrimeRateChangeExceedsLimit, decOrZero(e.Old), decOrZero(e.New), decOrZero(e.MaxChange))
}

func (e *PrimeRateChangeError) Unwrap() error { return ErrPrimeRateChangeExceedsLimit }

// InsufficientLiquidityError reports a withdrawal larger than the reserve.
type InsufficientLiquidityError struct {
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("%s: requested=%s available=%s", ErrInsufficientLiquidity, decOrZero(e.Requested), decOrZero(e.Available))
}

func (e *InsufficientLiquidityError) Unwrap() error { return ErrInsufficientLiquidity }

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// InvalidRatesError names the ordering rule a rate configuration broke.
type InvalidRatesError struct {
	Reason string
}

func (e *InvalidRatesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInterestRateParameters, e.Reason)
}

func (e *InvalidRatesError) Unwrap() error { return ErrInvalidInterestRateParameters }

// Kind groups engine failures so callers can tell bad input from policy
// rejections and broken invariants.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindArithmetic
	KindLiquidity
	KindRatePolicy
	KindInvariant
	KindPaused
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindArithmetic:
		return "arithmetic"
	case KindLiquidity:
		return "liquidity"
	case KindRatePolicy:
		return "rate_policy"
	case KindInvariant:
		return "invariant"
	case KindPaused:
		return "paused"
	case KindConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// KindOf classifies an error returned by the engine.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrDivisionByZero), errors.Is(err, ErrTimestampRegressed):
		return KindInput
	case errors.Is(err, ErrOverflow):
		return KindArithmetic
	case errors.Is(err, ErrInsufficientLiquidity), errors.Is(err, ErrInsufficientUsage):
		return KindLiquidity
	case errors.Is(err, ErrPrimeRateMustBePositive), errors.Is(err, ErrPrimeRateChangeExceedsLimit), errors.Is(err, ErrInvalidInterestRateParameters):
		return KindRatePolicy
	case errors.Is(err, ErrLiquidityIndexIsZero), errors.Is(err, ErrUsageIndexIsZero):
		return KindInvariant
	case errors.Is(err, common.ErrModulePaused):
		return KindPaused
	case errors.Is(err, ErrReentrantCall):
		return KindConcurrency
	default:
		return KindUnknown
	}
}
