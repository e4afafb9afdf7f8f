// Package metrics holds the Prometheus collectors of the data layer. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "petdb"

// Metrics groups every collector.
type Metrics struct {
	state             prometheus.Gauge
	queueDepth        prometheus.Gauge
	queuedTotal       prometheus.Counter
	queueTimeouts     prometheus.Counter
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	modelVersions     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg yields nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "queue_depth",
			Help:      "Commands waiting for the connection",
		}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "queued_total",
			Help:      "Commands queued before the connection was ready",
		}),
		queueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "queue_timeouts_total",
			Help:      "Queued commands that gave up waiting for the connection",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "operations_total",
			Help:      "Completed operations by kind and result",
		}, []string{"operation", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "operation_duration_seconds",
			Help:      "Time spent executing operations against the store",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"operation"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Record cache lookups by result",
		}, []string{"result"}),
		modelVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "versions_total",
			Help:      "Model versions created by species",
		}, []string{"species"}),
	}

	reg.MustRegister(
		m.state,
		m.queueDepth,
		m.queuedTotal,
		m.queueTimeouts,
		m.operationsTotal,
		m.operationDuration,
		m.cacheLookups,
		m.modelVersions,
	)

	return m
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Queued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

func (m *Metrics) QueueTimeout() {
	if m == nil {
		return
	}
	m.queueTimeouts.Inc()
}

// Observe records a finished operation.
func (m *Metrics) Observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ModelVersion(species string) {
	if m == nil {
		return
	}
	m.modelVersions.WithLabelValues(species).Inc()
}
