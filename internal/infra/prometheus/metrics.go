package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "powersuffix"

var (
	// Allocations counts Allocate outcomes by result: ok, low_stock, error.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocations_total",
		Help:      "Suffix allocation attempts by result.",
	}, []string{"result"})

	// LowStockSignals counts refill signals raised by the bucket store.
	LowStockSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "low_stock_signals_total",
		Help:      "Low-stock signals by delivery outcome.",
	}, []string{"outcome"})

	// Traces counts finished traces by the mode actually used and outcome.
	Traces = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traces_total",
		Help:      "Redirect traces by mode and outcome.",
	}, []string{"mode", "outcome"})

	// TraceDuration observes trace wall time.
	TraceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trace_duration_seconds",
		Help:      "Redirect trace duration.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"mode"})

	// FillGenerated and FillFailed count filler batch items.
	FillGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fill_generated_total",
		Help:      "Suffix records generated by the filler.",
	})
	FillFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fill_failed_total",
		Help:      "Filler items whose trace failed.",
	})

	// IntervalScenarios counts cadence decisions by scenario.
	IntervalScenarios = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interval_scenarios_total",
		Help:      "Interval controller decisions by scenario.",
	}, []string{"scenario"})
)
