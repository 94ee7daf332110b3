package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"raac/config"
	"raac/core/events"
	"raac/core/state"
	nativecommon "raac/native/common"
	"raac/native/reserve"
	"raac/observability"
	telemetry "raac/observability/otel"
)

// ErrUnknownReserve is returned for ids that are not registered.
var ErrUnknownReserve = errors.New("registry: unknown reserve")

// Registry owns the reserves served by the daemon. Every engine call goes
// through Do, which serialises access, stamps the call with the current
// clock and records metrics and a trace span.
type Registry struct {
	mu        sync.RWMutex
	lockers   map[string]*reserve.Locker
	averagers map[string]*rateAverager
	clock     func() time.Time
	metrics   *observability.ReserveMetrics
	tracer    trace.Tracer
}

// New returns an empty registry. A nil clock defaults to time.Now.
func New(clock func() time.Time, metrics *observability.ReserveMetrics) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		lockers:   make(map[string]*reserve.Locker),
		averagers: make(map[string]*rateAverager),
		clock:     clock,
		metrics:   metrics,
		tracer:    telemetry.Tracer("raac/reserve"),
	}
}

// Add registers an engine.
func (r *Registry) Add(engine *reserve.Engine) error {
	if engine == nil {
		return fmt.Errorf("registry: nil engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lockers[engine.ID()]; exists {
		return fmt.Errorf("registry: reserve %s already registered", engine.ID())
	}
	rates := engine.RateSnapshot()
	averager := newRateAverager(DefaultAverageWindow)
	if err := averager.observe(&rates.CurrentUsageRate, r.Now()); err != nil {
		return err
	}
	r.lockers[engine.ID()] = reserve.NewLocker(engine)
	r.averagers[engine.ID()] = averager
	r.metrics.RecordState(engine.ID(), engine.ReserveSnapshot(), rates)
	return nil
}

// IDs lists registered reserves in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.lockers))
	for id := range r.lockers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lockers[id]
	return ok
}

// Now returns the registry clock as unix seconds.
func (r *Registry) Now() uint64 {
	now := r.clock().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Do runs fn against the engine for id while holding its lock. fn receives
// the timestamp to pass to mutating calls.
func (r *Registry) Do(ctx context.Context, id, operation string, fn func(e *reserve.Engine, now uint64) error) error {
	r.mu.RLock()
	locker, ok := r.lockers[id]
	averager := r.averagers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReserve, id)
	}

	_, span := r.tracer.Start(ctx, "reserve."+operation, trace.WithAttributes(
		attribute.String("reserve.id", id),
	))
	defer span.End()

	start := time.Now()
	err := locker.Do(func(e *reserve.Engine) error {
		now := r.Now()
		if err := fn(e, now); err != nil {
			return err
		}
		rates := e.RateSnapshot()
		if err := averager.observe(&rates.CurrentUsageRate, now); err != nil {
			// The engine state is already committed; only the average lags.
			span.RecordError(err)
		}
		r.metrics.RecordState(id, e.ReserveSnapshot(), rates)
		return nil
	})
	r.metrics.ObserveOperation(id, operation, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reserve.KindOf(err).String())
	}
	return err
}

// AverageUsageRate returns the time-weighted usage rate of id over the
// current averaging window.
func (r *Registry) AverageUsageRate(id string) (*uint256.Int, error) {
	r.mu.RLock()
	averager, ok := r.averagers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReserve, id)
	}
	return averager.average(r.Now())
}

// Options wire the shared collaborators into every bootstrapped engine.
type Options struct {
	Store   *state.ReserveStore
	Emitter events.Emitter
	Pauses  nativecommon.PauseView
	Clock   func() time.Time
	Metrics *observability.ReserveMetrics
}

// Bootstrap restores every configured market from the store, creating and
// persisting a fresh reserve for markets seen for the first time. Stored
// reserves keep their persisted curve; configuration only seeds new ones.
func Bootstrap(markets []config.MarketConfig, opts Options) (*Registry, error) {
	reg := New(opts.Clock, opts.Metrics)
	for _, market := range markets {
		id := market.NormalizedID()
		var (
			engine *reserve.Engine
			found  bool
			err    error
		)
		if opts.Store != nil {
			engine, found, err = opts.Store.LoadEngine(id)
			if err != nil {
				return nil, err
			}
		}
		if !found {
			params, err := market.RateParams()
			if err != nil {
				return nil, fmt.Errorf("registry: market %s: %w", id, err)
			}
			engine, err = reserve.NewEngine(id, params, reg.Now())
			if err != nil {
				return nil, fmt.Errorf("registry: market %s: %w", id, err)
			}
			if opts.Store != nil {
				if err := opts.Store.PutReserve(id, engine.ReserveSnapshot(), engine.RateSnapshot()); err != nil {
					return nil, err
				}
			}
		}
		if opts.Store != nil {
			engine.SetPersister(opts.Store)
		}
		engine.SetEmitter(opts.Emitter)
		engine.SetPauses(opts.Pauses)
		if err := reg.Add(engine); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// PrimeRate returns the current prime rate of id.
func (r *Registry) PrimeRate(ctx context.Context, id string) (*uint256.Int, error) {
	var rate *uint256.Int
	err := r.Do(ctx, id, "read", func(e *reserve.Engine, _ uint64) error {
		snapshot := e.RateSnapshot()
		rate = new(uint256.Int).Set(&snapshot.PrimeRate)
		return nil
	})
	return rate, err
}

// SetPrimeRate applies a governance prime rate update to id.
func (r *Registry) SetPrimeRate(ctx context.Context, id string, rate *uint256.Int) error {
	return r.Do(ctx, id, "set_prime_rate", func(e *reserve.Engine, now uint64) error {
		return e.SetPrimeRate(rate, now)
	})
}
