package server

import (
	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
	"raac/native/reserve"
)

// Token amounts are rendered as base-unit integers; rays as decimal fractions.

type ratesView struct {
	PrimeRate              string `json:"primeRate"`
	BaseRate               string `json:"baseRate"`
	OptimalRate            string `json:"optimalRate"`
	MaxRate                string `json:"maxRate"`
	OptimalUtilizationRate string `json:"optimalUtilizationRate"`
	ProtocolFeeRate        string `json:"protocolFeeRate"`
	LiquidityRate          string `json:"liquidityRate"`
	UsageRate              string `json:"usageRate"`
	AverageUsageRate       string `json:"averageUsageRate,omitempty"`
}

type reserveView struct {
	ID                  string    `json:"id"`
	TotalLiquidity      string    `json:"totalLiquidity"`
	TotalUsage          string    `json:"totalUsage"`
	LiquidityIndex      string    `json:"liquidityIndex"`
	UsageIndex          string    `json:"usageIndex"`
	LastUpdateTimestamp uint64    `json:"lastUpdateTimestamp"`
	Utilization         string    `json:"utilization"`
	Rates               ratesView `json:"rates"`
}

type utilizationView struct {
	ID          string `json:"id"`
	Utilization string `json:"utilization"`
	Ray         string `json:"ray"`
}

type normalizedView struct {
	ID               string `json:"id"`
	Timestamp        uint64 `json:"timestamp"`
	NormalizedIncome string `json:"normalizedIncome"`
	NormalizedDebt   string `json:"normalizedDebt"`
}

type mutationView struct {
	Scaled  string      `json:"scaled,omitempty"`
	Reserve reserveView `json:"reserve"`
}

type eventView struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  string            `json:"createdAt"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type usageRequest struct {
	Increase string `json:"increase,omitempty"`
	Decrease string `json:"decrease,omitempty"`
}

type primeRateRequest struct {
	Rate string `json:"rate"`
}

type curveRequest struct {
	BaseRate               string `json:"baseRate,omitempty"`
	OptimalRate            string `json:"optimalRate,omitempty"`
	MaxRate                string `json:"maxRate,omitempty"`
	OptimalUtilizationRate string `json:"optimalUtilizationRate,omitempty"`
	ProtocolFeeRate        string `json:"protocolFeeRate,omitempty"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type pauseView struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func newRatesView(r reserve.RateData) ratesView {
	return ratesView{
		PrimeRate:              fixedpoint.FormatRay(&r.PrimeRate),
		BaseRate:               fixedpoint.FormatRay(&r.BaseRate),
		OptimalRate:            fixedpoint.FormatRay(&r.OptimalRate),
		MaxRate:                fixedpoint.FormatRay(&r.MaxRate),
		OptimalUtilizationRate: fixedpoint.FormatRay(&r.OptimalUtilizationRate),
		ProtocolFeeRate:        fixedpoint.FormatRay(&r.ProtocolFeeRate),
		LiquidityRate:          fixedpoint.FormatRay(&r.CurrentLiquidityRate),
		UsageRate:              fixedpoint.FormatRay(&r.CurrentUsageRate),
	}
}

func newReserveView(e *reserve.Engine) (reserveView, error) {
	data := e.ReserveSnapshot()
	util, err := e.UtilizationRate()
	if err != nil {
		return reserveView{}, err
	}
	return reserveView{
		ID:                  e.ID(),
		TotalLiquidity:      data.TotalLiquidity.Dec(),
		TotalUsage:          data.TotalUsage.Dec(),
		LiquidityIndex:      fixedpoint.FormatRay(&data.LiquidityIndex),
		UsageIndex:          fixedpoint.FormatRay(&data.UsageIndex),
		LastUpdateTimestamp: data.LastUpdateTimestamp,
		Utilization:         fixedpoint.FormatRay(util),
		Rates:               newRatesView(e.RateSnapshot()),
	}, nil
}

// parseAmount reads a positive base-unit integer.
func parseAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, &requestError{msg: field + " required"}
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, &requestError{msg: field + " must be a base-unit integer"}
	}
	return amount, nil
}

// parseRate reads a decimal fraction into a ray.
func parseRate(field, raw string) (*uint256.Int, error) {
	rate, err := fixedpoint.RayFromDecimal(raw)
	if err != nil {
		return nil, &requestError{msg: field + " must be a non-negative decimal fraction"}
	}
	return rate, nil
}

// curveParams merges the request over the current curve.
func (req curveRequest) curveParams(current reserve.CurveParams) (reserve.CurveParams, error) {
	fields := []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"baseRate", req.BaseRate, &current.BaseRate},
		{"optimalRate", req.OptimalRate, &current.OptimalRate},
		{"maxRate", req.MaxRate, &current.MaxRate},
		{"optimalUtilizationRate", req.OptimalUtilizationRate, &current.OptimalUtilizationRate},
		{"protocolFeeRate", req.ProtocolFeeRate, &current.ProtocolFeeRate},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		rate, err := parseRate(f.name, f.raw)
		if err != nil {
			return reserve.CurveParams{}, err
		}
		*f.dst = rate
	}
	return current, nil
}
