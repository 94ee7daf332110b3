package registry

import (
	"sync"

	"github.com/holiman/uint256"

	"raac/native/fixedpoint"
	"raac/native/twa"
)

// DefaultAverageWindow is the length, in seconds, of the window over which
// the usage rate is averaged.
const DefaultAverageWindow uint64 = 24 * 60 * 60

// rateAverager keeps a time-weighted average of a reserve's usage rate over
// consecutive fixed windows. A new window starts with the first observation
// after the previous one ends.
type rateAverager struct {
	mu     sync.Mutex
	window uint64
	period twa.Period
	seeded bool
}

func newRateAverager(window uint64) *rateAverager {
	if window == 0 {
		window = DefaultAverageWindow
	}
	return &rateAverager{window: window}
}

func (a *rateAverager) observe(rate *uint256.Int, now uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seeded || now > a.period.EndTime {
		if err := a.period.CreatePeriod(now, a.window, rate, fixedpoint.WAD); err != nil {
			return err
		}
		a.seeded = true
		return nil
	}
	if now < a.period.LastUpdateTime {
		return twa.ErrInvalidTime
	}
	return a.period.UpdateValue(rate, now)
}

// average reports the mean over the current window. Past the end of the
// window the latest observation is still in force, so it is returned as is.
func (a *rateAverager) average(now uint64) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seeded {
		return new(uint256.Int), nil
	}
	if now > a.period.EndTime {
		return a.period.CurrentValue(), nil
	}
	return a.period.Average(now)
}
