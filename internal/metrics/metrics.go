// Package metrics exports reconciliation and session metrics to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/timewarp/internal/warp"
)

// Metrics collects per-peer metrics into one registry. It satisfies
// warp.Observer and peer.Observer.
type Metrics struct {
	reg *prometheus.Registry

	passes        prometheus.Counter
	inserted      prometheus.Counter
	undone        prometheus.Counter
	redone        prometheus.Counter
	rewindDepth   prometheus.Histogram
	timeline      prometheus.Gauge
	snapshotBytes prometheus.Histogram
	joins         *prometheus.CounterVec
	joinDuration  prometheus.Histogram
}

// New registers every collector in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		passes: f.NewCounter(prometheus.CounterOpts{
			Name: "timewarp_reconcile_passes_total",
			Help: "Total number of reconciliation passes",
		}),
		inserted: f.NewCounter(prometheus.CounterOpts{
			Name: "timewarp_commands_inserted_total",
			Help: "Total number of commands inserted into the timeline",
		}),
		undone: f.NewCounter(prometheus.CounterOpts{
			Name: "timewarp_commands_undone_total",
			Help: "Total number of command undos caused by late arrivals",
		}),
		redone: f.NewCounter(prometheus.CounterOpts{
			Name: "timewarp_commands_redone_total",
			Help: "Total number of commands re-executed after a rewind",
		}),
		rewindDepth: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "timewarp_rewind_depth",
			Help:    "Commands undone per reconciliation pass",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		timeline: f.NewGauge(prometheus.GaugeOpts{
			Name: "timewarp_timeline_length",
			Help: "Current number of commands in the timeline",
		}),
		snapshotBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "timewarp_snapshot_bytes",
			Help:    "Compressed size of snapshots served to joiners",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "timewarp_joins_total",
			Help: "Join attempts by result",
		}, []string{"result"}),
		joinDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "timewarp_join_duration_seconds",
			Help:    "Time from joining the group to going live",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// ObservePass records one coordinator pass.
func (m *Metrics) ObservePass(st warp.Stats) {
	m.passes.Inc()
	m.inserted.Add(float64(st.Inserted))
	m.undone.Add(float64(st.Undone))
	m.redone.Add(float64(st.Redone))
	m.rewindDepth.Observe(float64(st.Undone))
	m.timeline.Set(float64(st.Timeline))
}

// ObserveSnapshot records a served snapshot.
func (m *Metrics) ObserveSnapshot(bytes int) {
	m.snapshotBytes.Observe(float64(bytes))
}

// ObserveJoin records a join attempt.
func (m *Metrics) ObserveJoin(result string, d time.Duration) {
	m.joins.WithLabelValues(result).Inc()
	m.joinDuration.Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
