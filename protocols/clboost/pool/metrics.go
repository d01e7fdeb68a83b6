package pool

import (
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one pool. Every series carries
// the pool id as a constant label so several pools can share a registry.
type Metrics struct {
	Operations  *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	TickFlips   prometheus.Counter
	Periods     prometheus.Counter
	Rollbacks   prometheus.Counter
	Liquidity   prometheus.Gauge
	Boosted     prometheus.Gauge
	Cardinality prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, poolID uint64) *Metrics {
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"pool": strconv.FormatUint(poolID, 10)}, reg))
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "operations_total",
			Help:      "State-changing operations by name and outcome.",
		}, []string{"op", "outcome"}),
		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "operation_duration_seconds",
			Help:      "Time spent holding the pool write lock per operation.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"op"}),
		TickFlips: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "tick_flips_total",
			Help:      "Ticks that switched between initialized and uninitialized.",
		}),
		Periods: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "periods_advanced_total",
			Help:      "Period boundaries materialized.",
		}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "rollbacks_total",
			Help:      "Failed operations that were rolled back.",
		}),
		Liquidity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "liquidity",
			Help:      "In-range raw liquidity.",
		}),
		Boosted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "boosted_liquidity",
			Help:      "In-range boosted liquidity of the running period.",
		}),
		Cardinality: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "clboost",
			Subsystem: "pool",
			Name:      "observation_cardinality",
			Help:      "Populated oracle slots.",
		}),
	}
}

func toFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}
