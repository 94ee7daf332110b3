package reserve

import (
	"errors"
	"sync/atomic"

	"github.com/holiman/uint256"

	"raac/core/events"
	nativecommon "raac/native/common"
	"raac/native/fixedpoint"
)

const moduleName = "reserve"

// MaxPrimeRateChangeBps bounds a single prime rate update to 5% of the
// current prime rate.
const MaxPrimeRateChangeBps uint64 = 500

var errNilEngine = errors.New("reserve engine: not initialised")

// Persister stores the reserve after every successful transition. A failing
// Persister aborts the transition and leaves the engine untouched.
type Persister interface {
	PutReserve(id string, reserve ReserveData, rates RateData) error
}

// Engine owns one reserve and its rate curve. Every mutating operation either
// commits a complete new state or returns an error with no observable effect.
//
// Engine is not safe for concurrent use; wrap it in a Locker when several
// goroutines share a reserve.
type Engine struct {
	id        string
	reserve   ReserveData
	rates     RateData
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	persister Persister
	entered   atomic.Bool
}

// NewEngine initialises a reserve with unit indexes at timestamp now and
// derives the starting rates from params.
func NewEngine(id string, params RateParams, now uint64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var rates RateData
	rates.PrimeRate.Set(params.PrimeRate)
	rates.applyCurve(params.CurveParams)

	var reserve ReserveData
	reserve.LiquidityIndex.Set(fixedpoint.RAY)
	reserve.UsageIndex.Set(fixedpoint.RAY)
	reserve.LastUpdateTimestamp = now
	if err := UpdateInterestRatesAndLiquidity(&reserve, &rates, nil, nil); err != nil {
		return nil, err
	}
	return &Engine{id: id, reserve: reserve, rates: rates, emitter: events.NoopEmitter{}}, nil
}

// Restore rebuilds an engine from persisted state. Only the rate curve is
// validated; broken indexes surface on the next accrual.
func Restore(id string, reserve ReserveData, rates RateData) (*Engine, error) {
	if rates.PrimeRate.IsZero() {
		return nil, ErrPrimeRateMustBePositive
	}
	if err := ValidateRates(&rates); err != nil {
		return nil, err
	}
	return &Engine{id: id, reserve: reserve, rates: rates, emitter: events.NoopEmitter{}}, nil
}

// ID returns the reserve identifier.
func (e *Engine) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// SetEmitter configures the sink for reserve events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses installs the pause switches consulted before liquidity and usage
// changes. Governance calls ignore them.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetPersister wires the durable store written on every commit.
func (e *Engine) SetPersister(p Persister) {
	if e == nil {
		return
	}
	e.persister = p
}

// transition stages a state change against copies of the engine state.
type transition struct {
	engine  *Engine
	now     uint64
	reserve ReserveData
	rates   RateData
	pending []events.Event
}

func (e *Engine) enter() error {
	if e == nil {
		return errNilEngine
	}
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() { e.entered.Store(false) }

func (e *Engine) begin(now uint64) *transition {
	return &transition{engine: e, now: now, reserve: e.reserve, rates: e.rates}
}

func (tx *transition) accrue() error {
	changed, err := AccrueInterest(&tx.reserve, &tx.rates, tx.now)
	if err != nil {
		return err
	}
	if changed {
		tx.pending = append(tx.pending, events.ReserveInterestsUpdated{
			Reserve:        tx.engine.id,
			LiquidityIndex: clone(&tx.reserve.LiquidityIndex),
			UsageIndex:     clone(&tx.reserve.UsageIndex),
			Timestamp:      tx.now,
		})
	}
	return nil
}

func (tx *transition) updateRates(added, removed *uint256.Int) error {
	if err := UpdateInterestRatesAndLiquidity(&tx.reserve, &tx.rates, added, removed); err != nil {
		return err
	}
	utilization, err := CalculateUtilizationRate(&tx.reserve.TotalLiquidity, &tx.reserve.TotalUsage)
	if err != nil {
		return err
	}
	tx.pending = append(tx.pending, events.ReserveRatesUpdated{
		Reserve:       tx.engine.id,
		LiquidityRate: clone(&tx.rates.CurrentLiquidityRate),
		UsageRate:     clone(&tx.rates.CurrentUsageRate),
		Utilization:   utilization,
	})
	return nil
}

func (tx *transition) emit(evt events.Event) {
	tx.pending = append(tx.pending, evt)
}

// commit persists the staged state, swaps it in and then publishes the
// staged events in order.
func (tx *transition) commit() error {
	e := tx.engine
	if e.persister != nil {
		if err := e.persister.PutReserve(e.id, tx.reserve, tx.rates); err != nil {
			return err
		}
	}
	e.reserve = tx.reserve
	e.rates = tx.rates
	if e.emitter == nil {
		return nil
	}
	for _, evt := range tx.pending {
		e.emitter.Emit(evt)
	}
	return nil
}

// Deposit adds liquidity to the reserve and returns the amount expressed in
// liquidity index units.
func (e *Engine) Deposit(amount *uint256.Int, now uint64) (*uint256.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return nil, err
	}
	if err := tx.updateRates(amount, nil); err != nil {
		return nil, err
	}
	minted, err := fixedpoint.RayDiv(amount, &tx.reserve.LiquidityIndex)
	if err != nil {
		return nil, err
	}
	tx.emit(events.ReserveDeposit{
		Reserve:        e.id,
		Amount:         clone(amount),
		Minted:         clone(minted),
		LiquidityIndex: clone(&tx.reserve.LiquidityIndex),
		Timestamp:      now,
	})
	if err := tx.commit(); err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw removes liquidity from the reserve and returns the amount
// expressed in liquidity index units.
func (e *Engine) Withdraw(amount *uint256.Int, now uint64) (*uint256.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if amount.Gt(&e.reserve.TotalLiquidity) {
		return nil, &InsufficientLiquidityError{Requested: clone(amount), Available: clone(&e.reserve.TotalLiquidity)}
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return nil, err
	}
	if err := tx.updateRates(nil, amount); err != nil {
		return nil, err
	}
	burned, err := fixedpoint.RayDiv(amount, &tx.reserve.LiquidityIndex)
	if err != nil {
		return nil, err
	}
	tx.emit(events.ReserveWithdraw{
		Reserve:        e.id,
		Amount:         clone(amount),
		Burned:         clone(burned),
		LiquidityIndex: clone(&tx.reserve.LiquidityIndex),
		Timestamp:      now,
	})
	if err := tx.commit(); err != nil {
		return nil, err
	}
	return burned, nil
}

// IncreaseUsage records newly borrowed principal and returns it scaled by the
// usage index.
func (e *Engine) IncreaseUsage(amount *uint256.Int, now uint64) (*uint256.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return nil, err
	}
	total, err := addChecked(&tx.reserve.TotalUsage, amount)
	if err != nil {
		return nil, err
	}
	tx.reserve.TotalUsage.Set(total)
	if err := tx.updateRates(nil, nil); err != nil {
		return nil, err
	}
	scaled, err := fixedpoint.RayDiv(amount, &tx.reserve.UsageIndex)
	if err != nil {
		return nil, err
	}
	tx.emit(events.ReserveUsageUpdated{
		Reserve:    e.id,
		Increased:  clone(amount),
		Scaled:     clone(scaled),
		TotalUsage: clone(&tx.reserve.TotalUsage),
		Timestamp:  now,
	})
	if err := tx.commit(); err != nil {
		return nil, err
	}
	return scaled, nil
}

// DecreaseUsage records repaid principal and returns it scaled by the usage
// index.
func (e *Engine) DecreaseUsage(amount *uint256.Int, now uint64) (*uint256.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if amount.Gt(&e.reserve.TotalUsage) {
		return nil, ErrInsufficientUsage
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return nil, err
	}
	tx.reserve.TotalUsage.Sub(&tx.reserve.TotalUsage, amount)
	if err := tx.updateRates(nil, nil); err != nil {
		return nil, err
	}
	scaled, err := fixedpoint.RayDiv(amount, &tx.reserve.UsageIndex)
	if err != nil {
		return nil, err
	}
	tx.emit(events.ReserveUsageUpdated{
		Reserve:    e.id,
		Decreased:  clone(amount),
		Scaled:     clone(scaled),
		TotalUsage: clone(&tx.reserve.TotalUsage),
		Timestamp:  now,
	})
	if err := tx.commit(); err != nil {
		return nil, err
	}
	return scaled, nil
}

// AccrueInterest advances the indexes to now. Calling it twice with the same
// timestamp is a no-op.
func (e *Engine) AccrueInterest(now uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return err
	}
	if len(tx.pending) == 0 {
		return nil
	}
	return tx.commit()
}

// SetPrimeRate replaces the prime rate. Interest accrues at the old rates
// first. A change larger than 5% of the current prime rate is rejected. The
// usage curve does not read the prime rate, so the recomputed rates only
// reflect the accrual step.
func (e *Engine) SetPrimeRate(newRate *uint256.Int, now uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if newRate == nil || newRate.IsZero() {
		return ErrPrimeRateMustBePositive
	}

	old := clone(&e.rates.PrimeRate)
	if !old.IsZero() {
		maxChange, err := fixedpoint.PercentMul(old, MaxPrimeRateChangeBps)
		if err != nil {
			return err
		}
		diff := new(uint256.Int)
		if newRate.Gt(old) {
			diff.Sub(newRate, old)
		} else {
			diff.Sub(old, newRate)
		}
		if diff.Gt(maxChange) {
			return &PrimeRateChangeError{Old: old, New: clone(newRate), MaxChange: maxChange}
		}
	}
	candidate := e.rates
	candidate.PrimeRate.Set(newRate)
	if err := ValidateRates(&candidate); err != nil {
		return err
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return err
	}
	tx.rates.PrimeRate.Set(newRate)
	tx.emit(events.PrimeRateUpdated{Reserve: e.id, OldRate: old, NewRate: clone(newRate)})
	if err := tx.updateRates(nil, nil); err != nil {
		return err
	}
	return tx.commit()
}

// SetRateCurve replaces the curve parameters while keeping the prime rate.
func (e *Engine) SetRateCurve(params CurveParams, now uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if !params.complete() {
		return &InvalidRatesError{Reason: "curve parameters missing"}
	}
	candidate := e.rates
	candidate.applyCurve(params)
	if err := ValidateRates(&candidate); err != nil {
		return err
	}

	tx := e.begin(now)
	if err := tx.accrue(); err != nil {
		return err
	}
	tx.rates.applyCurve(params)
	tx.emit(events.RateCurveUpdated{
		Reserve:                e.id,
		BaseRate:               clone(params.BaseRate),
		OptimalRate:            clone(params.OptimalRate),
		MaxRate:                clone(params.MaxRate),
		OptimalUtilizationRate: clone(params.OptimalUtilizationRate),
		ProtocolFeeRate:        clone(params.ProtocolFeeRate),
	})
	if err := tx.updateRates(nil, nil); err != nil {
		return err
	}
	return tx.commit()
}

// UtilizationRate reports the current usage to liquidity ratio.
func (e *Engine) UtilizationRate() (*uint256.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return CalculateUtilizationRate(&e.reserve.TotalLiquidity, &e.reserve.TotalUsage)
}

// NormalizedIncome projects the liquidity index to now.
func (e *Engine) NormalizedIncome(now uint64) (*uint256.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return NormalizedIncome(&e.reserve, &e.rates, now)
}

// NormalizedDebt projects the usage index to now.
func (e *Engine) NormalizedDebt(now uint64) (*uint256.Int, error) {
	if e == nil {
		return nil, errNilEngine
	}
	return NormalizedDebt(&e.reserve, &e.rates, now)
}

// ReserveSnapshot returns a copy of the reserve state.
func (e *Engine) ReserveSnapshot() ReserveData {
	if e == nil {
		return ReserveData{}
	}
	return e.reserve
}

// RateSnapshot returns a copy of the rate state.
func (e *Engine) RateSnapshot() RateData {
	if e == nil {
		return RateData{}
	}
	return e.rates
}
