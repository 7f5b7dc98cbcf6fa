// Package metrics registers the engine's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine emits. One instance is created
// at startup and threaded to the hotpath, coldpath, and engine; nil receivers
// are no-ops so tests can skip metrics wiring.
type Metrics struct {
	registry *prometheus.Registry

	TradesProcessed  *prometheus.CounterVec // outcome: applied|provisional|duplicate|dlq|failed
	SignChangeSplits prometheus.Counter
	Corrections      prometheus.Counter
	ConflictRetries  *prometheus.CounterVec // path: hotpath|coldpath
	HotpathDuration  prometheus.Histogram
	ColdpathDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		TradesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelot_trades_processed_total",
			Help: "Trades handled by the hotpath, labeled by outcome.",
		}, []string{"outcome"}),
		SignChangeSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradelot_sign_change_splits_total",
			Help: "Positions split into a new key after a direction flip.",
		}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradelot_corrections_total",
			Help: "Coldpath recalculations that produced a corrected snapshot.",
		}),
		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradelot_conflict_retries_total",
			Help: "Retries triggered by version or optimistic conflicts.",
		}, []string{"path"}),
		HotpathDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradelot_hotpath_duration_seconds",
			Help:    "End-to-end hotpath latency per trade.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ColdpathDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradelot_coldpath_duration_seconds",
			Help:    "End-to-end coldpath latency per backdated trade.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	registry.MustRegister(
		m.TradesProcessed, m.SignChangeSplits, m.Corrections,
		m.ConflictRetries, m.HotpathDuration, m.ColdpathDuration,
	)
	return m
}

// Registry exposes the underlying registry for the admin /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// CountTrade increments the processed counter for an outcome.
func (m *Metrics) CountTrade(outcome string) {
	if m != nil {
		m.TradesProcessed.WithLabelValues(outcome).Inc()
	}
}

// CountRetry increments the conflict-retry counter for a path.
func (m *Metrics) CountRetry(path string) {
	if m != nil {
		m.ConflictRetries.WithLabelValues(path).Inc()
	}
}

// CountSplit increments the sign-change split counter.
func (m *Metrics) CountSplit() {
	if m != nil {
		m.SignChangeSplits.Inc()
	}
}

// CountCorrection increments the correction counter.
func (m *Metrics) CountCorrection() {
	if m != nil {
		m.Corrections.Inc()
	}
}

// ObserveHotpath records one hotpath latency sample.
func (m *Metrics) ObserveHotpath(d time.Duration) {
	if m != nil {
		m.HotpathDuration.Observe(d.Seconds())
	}
}

// ObserveColdpath records one coldpath latency sample.
func (m *Metrics) ObserveColdpath(d time.Duration) {
	if m != nil {
		m.ColdpathDuration.Observe(d.Seconds())
	}
}
