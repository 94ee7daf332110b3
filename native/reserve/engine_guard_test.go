package reserve

import (
	"errors"
	"sync"
	"testing"

	"github.com/holiman/uint256"

	"raac/core/events"
	nativecommon "raac/native/common"
)

type reentrantEmitter struct {
	engine *Engine
	err    error
	calls  int
}

func (r *reentrantEmitter) Emit(events.Event) {
	r.calls++
	if r.calls > 1 {
		return
	}
	_, r.err = r.engine.Deposit(uint256.NewInt(1), genesis)
}

type failingPersister struct {
	err error
}

func (f failingPersister) PutReserve(string, ReserveData, RateData) error { return f.err }

type memoryPersister struct {
	puts    int
	reserve ReserveData
	rates   RateData
}

func (m *memoryPersister) PutReserve(_ string, reserve ReserveData, rates RateData) error {
	m.puts++
	m.reserve = reserve
	m.rates = rates
	return nil
}

func TestPausedReserveBlocksLiquidityOperations(t *testing.T) {
	engine, rec := newTestEngine(t)
	pauses := nativecommon.NewPauseSet("reserve")
	engine.SetPauses(pauses)
	before := engine.ReserveSnapshot()

	_, err := engine.Deposit(uint256.NewInt(100), genesis)
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if KindOf(err) != KindPaused {
		t.Fatalf("expected paused kind, got %s", KindOf(err))
	}
	if _, err := engine.IncreaseUsage(uint256.NewInt(1), genesis); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on usage, got %v", err)
	}
	if engine.ReserveSnapshot() != before || len(rec.Events) != 0 {
		t.Fatalf("expected paused operations to leave no trace")
	}

	if err := engine.SetPrimeRate(mustDec(t, "102000000000000000000000000"), genesis); err != nil {
		t.Fatalf("expected governance to bypass pause, got %v", err)
	}

	pauses.Set("reserve", false)
	if _, err := engine.Deposit(uint256.NewInt(100), genesis); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestEmitterCannotReenterEngine(t *testing.T) {
	engine, _ := newTestEngine(t)
	emitter := &reentrantEmitter{engine: engine}
	engine.SetEmitter(emitter)

	if _, err := engine.Deposit(uint256.NewInt(1_000), genesis); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !errors.Is(emitter.err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from nested call, got %v", emitter.err)
	}
	if got := engine.ReserveSnapshot().TotalLiquidity; got.Uint64() != 1_000 {
		t.Fatalf("expected nested deposit to be rejected, liquidity %s", got.Dec())
	}

	engine.SetEmitter(nil)
	if _, err := engine.Deposit(uint256.NewInt(1), genesis); err != nil {
		t.Fatalf("expected guard to be released, got %v", err)
	}
}

func TestPersisterFailureAbortsTransition(t *testing.T) {
	engine, rec := newTestEngine(t)
	if _, err := engine.Deposit(uint256.NewInt(1_000), genesis); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := engine.ReserveSnapshot()
	beforeRates := engine.RateSnapshot()
	emitted := len(rec.Events)

	diskErr := errors.New("disk full")
	engine.SetPersister(failingPersister{err: diskErr})
	if _, err := engine.IncreaseUsage(uint256.NewInt(400), genesis+60); !errors.Is(err, diskErr) {
		t.Fatalf("expected persister error, got %v", err)
	}
	if engine.ReserveSnapshot() != before || engine.RateSnapshot() != beforeRates {
		t.Fatalf("expected state unchanged after persister failure")
	}
	if len(rec.Events) != emitted {
		t.Fatalf("expected no events after persister failure")
	}

	store := &memoryPersister{}
	engine.SetPersister(store)
	if _, err := engine.IncreaseUsage(uint256.NewInt(400), genesis+60); err != nil {
		t.Fatalf("increase usage: %v", err)
	}
	if store.puts != 1 || store.reserve != engine.ReserveSnapshot() || store.rates != engine.RateSnapshot() {
		t.Fatalf("expected persisted state to match engine")
	}
}

func TestRestoreWithZeroLiquidityIndexFailsOnAccrual(t *testing.T) {
	seed, _ := newTestEngine(t)
	reserve := seed.ReserveSnapshot()
	reserve.LiquidityIndex.Clear()

	engine, err := Restore("broken", reserve, seed.RateSnapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	_, err = engine.Deposit(uint256.NewInt(10), genesis+1)
	if !errors.Is(err, ErrLiquidityIndexIsZero) {
		t.Fatalf("expected ErrLiquidityIndexIsZero, got %v", err)
	}
	if engine.ReserveSnapshot() != reserve {
		t.Fatalf("expected state unchanged")
	}
}

func TestRestoreValidatesRates(t *testing.T) {
	seed, _ := newTestEngine(t)
	rates := seed.RateSnapshot()
	rates.BaseRate.Set(&rates.MaxRate)
	if _, err := Restore("r", seed.ReserveSnapshot(), rates); !errors.Is(err, ErrInvalidInterestRateParameters) {
		t.Fatalf("expected ErrInvalidInterestRateParameters, got %v", err)
	}
}

func TestLockerSerialisesCallers(t *testing.T) {
	engine, _ := newTestEngine(t)
	locker := NewLocker(engine)
	if locker.ID() != "rToken" {
		t.Fatalf("unexpected locker id %q", locker.ID())
	}

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- locker.Do(func(e *Engine) error {
				_, err := e.Deposit(uint256.NewInt(5), genesis)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	var total uint64
	_ = locker.Do(func(e *Engine) error {
		snap := e.ReserveSnapshot()
		total = snap.TotalLiquidity.Uint64()
		return nil
	})
	if total != workers*5 {
		t.Fatalf("expected liquidity %d, got %d", workers*5, total)
	}
}
