package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type AdapterMetrics struct {
	operations   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	exchangeRate prometheus.Gauge
}

var (
	adapterOnce     sync.Once
	adapterRegistry *AdapterMetrics
)

func Adapter() *AdapterMetrics {
	adapterOnce.Do(func() {
		adapterRegistry = &AdapterMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "adapter_operations_total",
				Help: "Count of completed adapter operations by kind.",
			}, []string{"op"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "adapter_failures_total",
				Help: "Count of rejected adapter operations by kind and reason.",
			}, []string{"op", "reason"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "adapter_operation_duration_seconds",
				Help:    "Latency of adapter operations by kind.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			exchangeRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "adapter_exchange_rate",
				Help: "Last observed credits to underlying exchange rate, unscaled.",
			}),
		}
		prometheus.MustRegister(
			adapterRegistry.operations,
			adapterRegistry.failures,
			adapterRegistry.duration,
			adapterRegistry.exchangeRate,
		)
	})
	return adapterRegistry
}

func (m *AdapterMetrics) ObserveOperation(op string, seconds float64) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op).Inc()
	m.duration.WithLabelValues(op).Observe(seconds)
}

func (m *AdapterMetrics) ObserveFailure(op, reason string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.failures.WithLabelValues(op, reason).Inc()
}

// SetExchangeRate records the 1e18-scaled rate as a float gauge. Precision
// loss is acceptable here; the gauge exists for trend dashboards, not
// accounting.
func (m *AdapterMetrics) SetExchangeRate(rate *big.Int, scale *big.Int) {
	if m == nil || rate == nil || scale == nil || scale.Sign() == 0 {
		return
	}
	value, _ := new(big.Rat).SetFrac(rate, scale).Float64()
	m.exchangeRate.Set(value)
}
