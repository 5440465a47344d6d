package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/brickvault/catalog/event"
)

// Metrics counts pipeline events on its own registry.
type Metrics struct {
	reg       *prometheus.Registry
	events    *prometheus.CounterVec
	backoff   prometheus.Histogram
	backupSz  prometheus.Gauge
	committed *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors plus the Go and process
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brickvault",
			Name:      "events_total",
			Help:      "Pipeline events by kind and entity.",
		}, []string{"event", "entity"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brickvault",
			Name:      "retry_backoff_seconds",
			Help:      "Backoff waited before each fetch retry.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		backupSz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brickvault",
			Name:      "last_backup_bytes",
			Help:      "Size of the most recent snapshot.",
		}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brickvault",
			Name:      "batch_items_total",
			Help:      "Items in committed or rolled back batches.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.events, m.backoff, m.backupSz, m.committed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Emit records e.
func (m *Metrics) Emit(e event.Event) {
	m.events.WithLabelValues(string(e.Kind), e.Entity).Inc()
	switch e.Kind {
	case event.FetchRetry:
		m.backoff.Observe(e.Elapsed.Seconds())
	case event.BackupCreated:
		m.backupSz.Set(float64(e.Count))
	case event.BatchCommit:
		m.committed.WithLabelValues("committed").Add(float64(e.Count))
	case event.BatchRollback:
		m.committed.WithLabelValues("rolled_back").Add(float64(e.Count))
	}
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
