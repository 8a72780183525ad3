// Package metrics wires the progress engine's hot loop to Prometheus the
// way aistore instruments its xactions and target stats, on top of the
// github.com/prometheus/client_golang dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the gauges/counters a deployed engine wants surfaced:
// barrier depth, retired-item throughput, and transient-busy retry
// pressure.
type Registry struct {
	BarrierDepth *prometheus.GaugeVec
	ItemsRetired *prometheus.CounterVec
	BusyRetries  *prometheus.CounterVec
	BitmapFree   prometheus.Gauge
}

// NewRegistry constructs and registers the metric family on reg (pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer to expose via promhttp in a real process).
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		BarrierDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aiscoll",
			Name:      "barrier_depth",
			Help:      "Number of work items currently linked into a group's barrier list.",
		}, []string{"cid"}),
		ItemsRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiscoll",
			Name:      "items_retired_total",
			Help:      "Work items that have reached the Retired state, by kind.",
		}, []string{"cid", "kind"}),
		BusyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiscoll",
			Name:      "transport_busy_retries_total",
			Help:      "Submissions refused with TransientBusy and requeued for retry.",
		}, []string{"cid"}),
		BitmapFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aiscoll",
			Name:      "context_id_free",
			Help:      "Free bits remaining in the process-wide context-id bitmap.",
		}),
	}
	reg.MustRegister(m.BarrierDepth, m.ItemsRetired, m.BusyRetries, m.BitmapFree)
	return m
}

// ObserveSnapshot records a group.Snapshot-shaped sample. Called
// periodically (or after each Tick) by whatever owns the Registry; kept
// decoupled from group.Group itself so metrics stays an optional,
// side-effect-free consumer rather than a dependency group.Group carries.
func (m *Registry) ObserveSnapshot(cidLabel string, barrierLen int, freeCount int) {
	m.BarrierDepth.WithLabelValues(cidLabel).Set(float64(barrierLen))
	m.BitmapFree.Set(float64(freeCount))
}

// RecordRetired increments the retired-item counter for one (cid, kind) pair.
func (m *Registry) RecordRetired(cidLabel, kind string) {
	m.ItemsRetired.WithLabelValues(cidLabel, kind).Inc()
}

// RecordBusyRetry increments the transient-busy retry counter for cid.
func (m *Registry) RecordBusyRetry(cidLabel string) {
	m.BusyRetries.WithLabelValues(cidLabel).Inc()
}
