// Package twa tracks values that change over discrete time periods and
// derives their time-weighted averages.
package twa

import (
	"errors"

	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
)

var (
	ErrPeriodNotElapsed = errors.New("twa: previous period has not elapsed")
	ErrZeroDuration     = errors.New("twa: period duration must be positive")
	ErrZeroWeight       = errors.New("twa: period weight must be positive")
	ErrInvalidTime      = errors.New("twa: timestamp outside period")
	ErrValueOverflow    = errors.New("twa: weighted value overflow")
)

// Period accumulates value*seconds for a single measurement window. The zero
// value is an empty period ready for CreatePeriod.
type Period struct {
	StartTime      uint64
	EndTime        uint64
	LastUpdateTime uint64
	Value          uint256.Int
	WeightedSum    uint256.Int
	TotalDuration  uint64
	// Weight is WAD scaled; 1e18 means full weight.
	Weight uint256.Int
}

// PeriodParams describes a finished or running period for WeightedAverage.
type PeriodParams struct {
	StartTime uint64
	EndTime   uint64
	Value     *uint256.Int
	Weight    *uint256.Int
}

// CreatePeriod starts a new window at start lasting duration seconds.
func (p *Period) CreatePeriod(start, duration uint64, initialValue, weight *uint256.Int) error {
	if p.StartTime != 0 && start < p.StartTime+p.TotalDuration {
		return ErrPeriodNotElapsed
	}
	if duration == 0 {
		return ErrZeroDuration
	}
	if weight == nil || weight.IsZero() {
		return ErrZeroWeight
	}
	*p = Period{
		StartTime:      start,
		EndTime:        start + duration,
		LastUpdateTime: start,
		TotalDuration:  duration,
	}
	if initialValue != nil {
		p.Value.Set(initialValue)
	}
	p.Weight.Set(weight)
	return nil
}

// UpdateValue folds the current value into the weighted sum up to ts and then
// replaces it.
func (p *Period) UpdateValue(newValue *uint256.Int, ts uint64) error {
	if ts < p.StartTime || ts > p.EndTime || ts < p.LastUpdateTime {
		return ErrInvalidTime
	}
	sum, err := p.sumUntil(ts)
	if err != nil {
		return err
	}
	p.WeightedSum.Set(sum)
	if newValue != nil {
		p.Value.Set(newValue)
	} else {
		p.Value.Clear()
	}
	p.LastUpdateTime = ts
	return nil
}

// Average returns the time-weighted mean over [StartTime, min(ts, EndTime)].
func (p *Period) Average(ts uint64) (*uint256.Int, error) {
	if ts <= p.StartTime {
		return new(uint256.Int).Set(&p.Value), nil
	}
	end := ts
	if end > p.EndTime {
		end = p.EndTime
	}
	sum, err := p.sumUntil(end)
	if err != nil {
		return nil, err
	}
	elapsed := end - p.StartTime
	if elapsed == 0 {
		return new(uint256.Int).Set(&p.Value), nil
	}
	return sum.Div(sum, uint256.NewInt(elapsed)), nil
}

// CurrentValue returns the most recently recorded value.
func (p *Period) CurrentValue() *uint256.Int {
	return new(uint256.Int).Set(&p.Value)
}

func (p *Period) sumUntil(ts uint64) (*uint256.Int, error) {
	sum := new(uint256.Int).Set(&p.WeightedSum)
	if ts <= p.LastUpdateTime {
		return sum, nil
	}
	weighted, overflow := new(uint256.Int).MulOverflow(&p.Value, uint256.NewInt(ts-p.LastUpdateTime))
	if overflow {
		return nil, ErrValueOverflow
	}
	if _, overflow = sum.AddOverflow(sum, weighted); overflow {
		return nil, ErrValueOverflow
	}
	return sum, nil
}

// WeightedAverage combines several periods into one mean. Each period
// contributes value*duration scaled by weight/1e18; periods that have not
// started by ts are skipped.
func WeightedAverage(periods []PeriodParams, ts uint64) (*uint256.Int, error) {
	total := new(uint256.Int)
	var duration uint64
	for _, period := range periods {
		if ts <= period.StartTime {
			continue
		}
		end := ts
		if end > period.EndTime {
			end = period.EndTime
		}
		if end <= period.StartTime {
			continue
		}
		elapsed := end - period.StartTime
		value := period.Value
		if value == nil {
			value = new(uint256.Int)
		}
		weighted, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(elapsed))
		if overflow {
			return nil, ErrValueOverflow
		}
		weight := period.Weight
		if weight == nil {
			weight = fixedpoint.WAD
		}
		if _, overflow = weighted.MulOverflow(weighted, weight); overflow {
			return nil, ErrValueOverflow
		}
		weighted.Div(weighted, fixedpoint.WAD)
		if _, overflow = total.AddOverflow(total, weighted); overflow {
			return nil, ErrValueOverflow
		}
		duration += elapsed
	}
	if duration == 0 {
		return new(uint256.Int), nil
	}
	return total.Div(total, uint256.NewInt(duration)), nil
}
