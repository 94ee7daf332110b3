package observability

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"raac/native/reserve"
)

// ReserveMetrics exposes reserve state and daemon activity to Prometheus.
type ReserveMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	liquidity      *prometheus.GaugeVec
	usage          *prometheus.GaugeVec
	utilization    *prometheus.GaugeVec
	liquidityRate  *prometheus.GaugeVec
	usageRate      *prometheus.GaugeVec
	primeRate      *prometheus.GaugeVec
	liquidityIndex *prometheus.GaugeVec
	usageIndex     *prometheus.GaugeVec
	feedPolls      *prometheus.CounterVec
	throttles      *prometheus.CounterVec
	streamClients  prometheus.Gauge
}

var (
	reserveMetricsOnce sync.Once
	reserveRegistry    *ReserveMetrics
)

func reserveGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "raac",
		Subsystem: "reserve",
		Name:      name,
		Help:      help,
	}, []string{"reserve"})
}

// Reserve returns the lazily-initialised reserve metrics registry.
func Reserve() *ReserveMetrics {
	reserveMetricsOnce.Do(func() {
		reserveRegistry = &ReserveMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raac",
				Subsystem: "reserve",
				Name:      "operations_total",
				Help:      "Reserve operations segmented by reserve, operation and error kind.",
			}, []string{"reserve", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "raac",
				Subsystem: "reserve",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of reserve operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidity:      reserveGauge("total_liquidity", "Total liquidity in underlying base units."),
			usage:          reserveGauge("total_usage", "Total usage in underlying base units."),
			utilization:    reserveGauge("utilization_ratio", "Usage divided by liquidity."),
			liquidityRate:  reserveGauge("liquidity_rate", "Current annual supplier rate as a fraction."),
			usageRate:      reserveGauge("usage_rate", "Current annual borrow rate as a fraction."),
			primeRate:      reserveGauge("prime_rate", "Governance prime rate as a fraction."),
			liquidityIndex: reserveGauge("liquidity_index", "Cumulative liquidity index."),
			usageIndex:     reserveGauge("usage_index", "Cumulative usage index."),
			feedPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raac",
				Subsystem: "feed",
				Name:      "polls_total",
				Help:      "Prime rate feed polls segmented by outcome.",
			}, []string{"outcome"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "raac",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
			streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "raac",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected event stream clients.",
			}),
		}
		prometheus.MustRegister(
			reserveRegistry.operations,
			reserveRegistry.latency,
			reserveRegistry.liquidity,
			reserveRegistry.usage,
			reserveRegistry.utilization,
			reserveRegistry.liquidityRate,
			reserveRegistry.usageRate,
			reserveRegistry.primeRate,
			reserveRegistry.liquidityIndex,
			reserveRegistry.usageIndex,
			reserveRegistry.feedPolls,
			reserveRegistry.throttles,
			reserveRegistry.streamClients,
		)
	})
	return reserveRegistry
}

// ObserveOperation records one engine call. The outcome label is "ok" or the
// reserve error kind.
func (m *ReserveMetrics) ObserveOperation(reserveID, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if reserveID == "" {
		reserveID = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = reserve.KindOf(err).String()
	}
	m.operations.WithLabelValues(reserveID, operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordState publishes a reserve snapshot.
func (m *ReserveMetrics) RecordState(reserveID string, data reserve.ReserveData, rates reserve.RateData) {
	if m == nil {
		return
	}
	m.liquidity.WithLabelValues(reserveID).Set(toFloat(&data.TotalLiquidity, 0))
	m.usage.WithLabelValues(reserveID).Set(toFloat(&data.TotalUsage, 0))
	if util, err := reserve.CalculateUtilizationRate(&data.TotalLiquidity, &data.TotalUsage); err == nil {
		m.utilization.WithLabelValues(reserveID).Set(rayToFloat(util))
	}
	m.liquidityRate.WithLabelValues(reserveID).Set(rayToFloat(&rates.CurrentLiquidityRate))
	m.usageRate.WithLabelValues(reserveID).Set(rayToFloat(&rates.CurrentUsageRate))
	m.primeRate.WithLabelValues(reserveID).Set(rayToFloat(&rates.PrimeRate))
	m.liquidityIndex.WithLabelValues(reserveID).Set(rayToFloat(&data.LiquidityIndex))
	m.usageIndex.WithLabelValues(reserveID).Set(rayToFloat(&data.UsageIndex))
}

// RecordFeedPoll counts a prime rate feed poll. Outcomes should be stable
// strings such as "applied", "unchanged" or "error".
func (m *ReserveMetrics) RecordFeedPoll(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.feedPolls.WithLabelValues(outcome).Inc()
}

// RecordThrottle counts a rate limited request.
func (m *ReserveMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// StreamClientConnected adjusts the stream client gauge by delta.
func (m *ReserveMetrics) StreamClientConnected(delta int) {
	if m == nil {
		return
	}
	m.streamClients.Add(float64(delta))
}

func toFloat(v *uint256.Int, exp int32) float64 {
	return decimal.NewFromBigInt(v.ToBig(), exp).InexactFloat64()
}

func rayToFloat(v *uint256.Int) float64 { return toFloat(v, -27) }
