package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"raac/core/types"
)

const (
	// TypeReserveDeposit is emitted when liquidity is added to a reserve.
	TypeReserveDeposit = "reserve.deposit"
	// TypeReserveWithdraw is emitted when liquidity leaves a reserve.
	TypeReserveWithdraw = "reserve.withdraw"
	// TypeReserveUsageUpdated records borrow/repay totals reported by the pool.
	TypeReserveUsageUpdated = "reserve.usageUpdated"
	// TypeReserveInterestsUpdated is emitted whenever the indexes accrue.
	TypeReserveInterestsUpdated = "reserve.interestsUpdated"
	// TypeReserveRatesUpdated is emitted after the live rates are recomputed.
	TypeReserveRatesUpdated = "reserve.ratesUpdated"
	// TypePrimeRateUpdated is emitted after an accepted prime rate change.
	TypePrimeRateUpdated = "reserve.primeRateUpdated"
	// TypeRateCurveUpdated is emitted after the curve parameters change.
	TypeRateCurveUpdated = "reserve.curveUpdated"
)

// ReserveDeposit captures liquidity entering a reserve together with the
// amount expressed in liquidity index units.
type ReserveDeposit struct {
	Reserve        string
	Amount         *uint256.Int
	Minted         *uint256.Int
	LiquidityIndex *uint256.Int
	Timestamp      uint64
}

// EventType satisfies the Event interface.
func (ReserveDeposit) EventType() string { return TypeReserveDeposit }

// Event converts the structured payload into a broadcastable event.
func (e ReserveDeposit) Event() *types.Event {
	attrs := map[string]string{
		"reserve":   normalizeReserve(e.Reserve),
		"amount":    formatAmount(e.Amount),
		"minted":    formatAmount(e.Minted),
		"timestamp": strconv.FormatUint(e.Timestamp, 10),
	}
	if e.LiquidityIndex != nil {
		attrs["liquidityIndex"] = e.LiquidityIndex.Dec()
	}
	return &types.Event{Type: TypeReserveDeposit, Attributes: attrs}
}

// ReserveWithdraw captures liquidity leaving a reserve.
type ReserveWithdraw struct {
	Reserve        string
	Amount         *uint256.Int
	Burned         *uint256.Int
	LiquidityIndex *uint256.Int
	Timestamp      uint64
}

// EventType satisfies the Event interface.
func (ReserveWithdraw) EventType() string { return TypeReserveWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e ReserveWithdraw) Event() *types.Event {
	attrs := map[string]string{
		"reserve":   normalizeReserve(e.Reserve),
		"amount":    formatAmount(e.Amount),
		"burned":    formatAmount(e.Burned),
		"timestamp": strconv.FormatUint(e.Timestamp, 10),
	}
	if e.LiquidityIndex != nil {
		attrs["liquidityIndex"] = e.LiquidityIndex.Dec()
	}
	return &types.Event{Type: TypeReserveWithdraw, Attributes: attrs}
}

// ReserveUsageUpdated records a change to the borrowed total.
type ReserveUsageUpdated struct {
	Reserve    string
	Increased  *uint256.Int
	Decreased  *uint256.Int
	Scaled     *uint256.Int
	TotalUsage *uint256.Int
	Timestamp  uint64
}

// EventType satisfies the Event interface.
func (ReserveUsageUpdated) EventType() string { return TypeReserveUsageUpdated }

// Event converts the structured payload into a broadcastable event.
func (e ReserveUsageUpdated) Event() *types.Event {
	attrs := map[string]string{
		"reserve":    normalizeReserve(e.Reserve),
		"totalUsage": formatAmount(e.TotalUsage),
		"scaled":     formatAmount(e.Scaled),
		"timestamp":  strconv.FormatUint(e.Timestamp, 10),
	}
	if e.Increased != nil && !e.Increased.IsZero() {
		attrs["increased"] = e.Increased.Dec()
	}
	if e.Decreased != nil && !e.Decreased.IsZero() {
		attrs["decreased"] = e.Decreased.Dec()
	}
	return &types.Event{Type: TypeReserveUsageUpdated, Attributes: attrs}
}

// ReserveInterestsUpdated carries the indexes after an accrual step.
type ReserveInterestsUpdated struct {
	Reserve        string
	LiquidityIndex *uint256.Int
	UsageIndex     *uint256.Int
	Timestamp      uint64
}

// EventType satisfies the Event interface.
func (ReserveInterestsUpdated) EventType() string { return TypeReserveInterestsUpdated }

// Event converts the structured payload into a broadcastable event.
func (e ReserveInterestsUpdated) Event() *types.Event {
	return &types.Event{Type: TypeReserveInterestsUpdated, Attributes: map[string]string{
		"reserve":        normalizeReserve(e.Reserve),
		"liquidityIndex": formatAmount(e.LiquidityIndex),
		"usageIndex":     formatAmount(e.UsageIndex),
		"timestamp":      strconv.FormatUint(e.Timestamp, 10),
	}}
}

// ReserveRatesUpdated carries the recomputed live rates.
type ReserveRatesUpdated struct {
	Reserve       string
	LiquidityRate *uint256.Int
	UsageRate     *uint256.Int
	Utilization   *uint256.Int
}

// EventType satisfies the Event interface.
func (ReserveRatesUpdated) EventType() string { return TypeReserveRatesUpdated }

// Event converts the structured payload into a broadcastable event.
func (e ReserveRatesUpdated) Event() *types.Event {
	return &types.Event{Type: TypeReserveRatesUpdated, Attributes: map[string]string{
		"reserve":       normalizeReserve(e.Reserve),
		"liquidityRate": formatAmount(e.LiquidityRate),
		"usageRate":     formatAmount(e.UsageRate),
		"utilization":   formatAmount(e.Utilization),
	}}
}

// PrimeRateUpdated records an accepted prime rate change.
type PrimeRateUpdated struct {
	Reserve string
	OldRate *uint256.Int
	NewRate *uint256.Int
}

// EventType satisfies the Event interface.
func (PrimeRateUpdated) EventType() string { return TypePrimeRateUpdated }

// Event converts the structured payload into a broadcastable event.
func (e PrimeRateUpdated) Event() *types.Event {
	return &types.Event{Type: TypePrimeRateUpdated, Attributes: map[string]string{
		"reserve": normalizeReserve(e.Reserve),
		"oldRate": formatAmount(e.OldRate),
		"newRate": formatAmount(e.NewRate),
	}}
}

// RateCurveUpdated records new curve parameters.
type RateCurveUpdated struct {
	Reserve                string
	BaseRate               *uint256.Int
	OptimalRate            *uint256.Int
	MaxRate                *uint256.Int
	OptimalUtilizationRate *uint256.Int
	ProtocolFeeRate        *uint256.Int
}

// EventType satisfies the Event interface.
func (RateCurveUpdated) EventType() string { return TypeRateCurveUpdated }

// Event converts the structured payload into a broadcastable event.
func (e RateCurveUpdated) Event() *types.Event {
	return &types.Event{Type: TypeRateCurveUpdated, Attributes: map[string]string{
		"reserve":                normalizeReserve(e.Reserve),
		"baseRate":               formatAmount(e.BaseRate),
		"optimalRate":            formatAmount(e.OptimalRate),
		"maxRate":                formatAmount(e.MaxRate),
		"optimalUtilizationRate": formatAmount(e.OptimalUtilizationRate),
		"protocolFeeRate":        formatAmount(e.ProtocolFeeRate),
	}}
}

// Renderable is implemented by every reserve event; sinks use it to obtain the
// attribute map.
type Renderable interface {
	EventType() string
	Event() *types.Event
}
