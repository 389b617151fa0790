// Package metrics exposes Prometheus collectors for the bridge. Every method
// is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wasm_bridge"

// Metrics holds all Prometheus collectors
type Metrics struct {
	// Heap metrics
	HeapBytes          prometheus.Gauge
	HeapGrowthsTotal   *prometheus.CounterVec
	HeapGrowthAttempts prometheus.Histogram

	// Run dependency metrics
	RunDependencies prometheus.Gauge

	// Lifecycle metrics
	InstantiationsTotal  *prometheus.CounterVec
	InstantiateDuration  prometheus.Histogram
	ResultsTotal         *prometheus.CounterVec
	TrapsTotal           *prometheus.CounterVec
	RecoverableWarnTotal *prometheus.CounterVec

	// Compile cache metrics
	CompileCacheHitsTotal   prometheus.Counter
	CompileCacheMissesTotal prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		HeapBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes",
			Help:      "Current linear memory size in bytes",
		}),
		HeapGrowthsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heap_growths_total",
			Help:      "Heap growth requests by outcome",
		}, []string{"outcome"}),
		HeapGrowthAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heap_growth_attempts",
			Help:      "Reallocation attempts per heap growth request",
			Buckets:   []float64{0, 1, 2, 3, 4, 8},
		}),
		RunDependencies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_dependencies",
			Help:      "Outstanding run dependencies",
		}),
		InstantiationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instantiations_total",
			Help:      "Module instantiations by outcome",
		}, []string{"outcome"}),
		InstantiateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instantiate_duration_seconds",
			Help:      "Time from fetch start to exports bound",
			Buckets:   prometheus.DefBuckets,
		}),
		ResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Program results by outcome",
		}, []string{"outcome"}),
		TrapsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Runtime aborts by cause",
		}, []string{"cause"}),
		RecoverableWarnTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Recoverable warnings by kind",
		}, []string{"kind"}),
		CompileCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_cache_hits_total",
			Help:      "Compiled module cache hits",
		}),
		CompileCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_cache_misses_total",
			Help:      "Compiled module cache misses",
		}),
	}
}

// SetHeapSize records the current heap size.
func (m *Metrics) SetHeapSize(bytes uint64) {
	if m == nil {
		return
	}
	m.HeapBytes.Set(float64(bytes))
}

// GrowthSucceeded records a successful heap growth.
func (m *Metrics) GrowthSucceeded(_, newSize uint64, attempts int) {
	if m == nil {
		return
	}
	m.HeapGrowthsTotal.WithLabelValues("ok").Inc()
	m.HeapGrowthAttempts.Observe(float64(attempts))
	m.HeapBytes.Set(float64(newSize))
}

// GrowthFailed records a refused heap growth. attempts is zero when the
// request exceeded the ceiling.
func (m *Metrics) GrowthFailed(_ uint64, attempts int) {
	if m == nil {
		return
	}
	outcome := "out_of_memory"
	if attempts == 0 {
		outcome = "over_limit"
	}
	m.HeapGrowthsTotal.WithLabelValues(outcome).Inc()
	m.HeapGrowthAttempts.Observe(float64(attempts))
}

// SetRunDependencies records the outstanding run dependency count.
func (m *Metrics) SetRunDependencies(n int) {
	if m == nil {
		return
	}
	m.RunDependencies.Set(float64(n))
}

// RecordInstantiation records an instantiation outcome and its duration.
func (m *Metrics) RecordInstantiation(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.InstantiationsTotal.WithLabelValues(outcome).Inc()
	m.InstantiateDuration.Observe(d.Seconds())
}

// RecordResult records how a program run ended: "exit", "trap" or "unwind".
func (m *Metrics) RecordResult(outcome string) {
	if m == nil {
		return
	}
	m.ResultsTotal.WithLabelValues(outcome).Inc()
}

// RecordTrap records an abort by cause.
func (m *Metrics) RecordTrap(cause string) {
	if m == nil {
		return
	}
	m.TrapsTotal.WithLabelValues(cause).Inc()
}

// RecordWarning records a recoverable warning by kind.
func (m *Metrics) RecordWarning(kind string) {
	if m == nil {
		return
	}
	m.RecoverableWarnTotal.WithLabelValues(kind).Inc()
}

// CompileCacheHit records a compiled module cache hit.
func (m *Metrics) CompileCacheHit() {
	if m == nil {
		return
	}
	m.CompileCacheHitsTotal.Inc()
}

// CompileCacheMiss records a compiled module cache miss.
func (m *Metrics) CompileCacheMiss() {
	if m == nil {
		return
	}
	m.CompileCacheMissesTotal.Inc()
}
