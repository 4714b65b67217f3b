// Package metrics exposes Prometheus collectors for restore sequences,
// position writes and upload queues.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/schema"
)

const Namespace = "waypoint"

// Metrics implements the restore, position and batch observers.
type Metrics struct {
	restores        *prometheus.CounterVec
	restoreAttempts *prometheus.HistogramVec
	restoreDrift    prometheus.Histogram

	positionWrites *prometheus.CounterVec

	queueAttempts *prometheus.CounterVec
	queueItems    *prometheus.CounterVec
	queueDuration prometheus.Histogram
	batchesActive prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "restore",
			Name:      "sequences_total",
			Help:      "Finished restore sequences by outcome",
		}, []string{"outcome"}),
		restoreAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "restore",
			Name:      "attempts",
			Help:      "Attempts used per restore sequence",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}, []string{"outcome"}),
		restoreDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "restore",
			Name:      "drift_pixels",
			Help:      "Distance between target and final offset",
			Buckets:   []float64{0, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		positionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "positions",
			Name:      "writes_total",
			Help:      "Position writes by outcome",
		}, []string{"outcome"}),
		queueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Executor attempts by result",
		}, []string{"result"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Items that reached a terminal status",
		}, []string{"status"}),
		queueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "attempt_duration_seconds",
			Help:      "Executor attempt duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		batchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "batches_active",
			Help:      "Upload batches currently running",
		}),
	}

	err := errors.Join(
		reg.Register(m.restores),
		reg.Register(m.restoreAttempts),
		reg.Register(m.restoreDrift),
		reg.Register(m.positionWrites),
		reg.Register(m.queueAttempts),
		reg.Register(m.queueItems),
		reg.Register(m.queueDuration),
		reg.Register(m.batchesActive),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RestoreFinished implements core.RestoreObserver.
func (m *Metrics) RestoreFinished(result schema.RestoreResult) {
	if m == nil {
		return
	}
	outcome := string(result.Outcome)
	m.restores.WithLabelValues(outcome).Inc()
	m.restoreAttempts.WithLabelValues(outcome).Observe(float64(result.Attempts))
	if result.Outcome == schema.RestoreSuperseded {
		return
	}
	drift := result.Target - result.Final
	if drift < 0 {
		drift = -drift
	}
	m.restoreDrift.Observe(float64(drift))
}

// PositionWritten implements core.PositionObserver.
func (m *Metrics) PositionWritten(_ schema.NavigationKey, _ int, outcome core.WriteOutcome) {
	if m == nil {
		return
	}
	m.positionWrites.WithLabelValues(string(outcome)).Inc()
}

// OnBatchEvent implements uploadqueue.Sink.
func (m *Metrics) OnBatchEvent(event schema.BatchEvent) {
	if m == nil {
		return
	}
	switch event.Type {
	case schema.BatchAttempt:
		if event.Item == nil {
			return
		}
		m.queueDuration.Observe(event.Duration.Seconds())
		switch {
		case event.Item.Status == schema.ItemCompleted:
			m.queueAttempts.WithLabelValues("ok").Inc()
			m.queueItems.WithLabelValues(string(schema.ItemCompleted)).Inc()
		case event.Retry:
			m.queueAttempts.WithLabelValues("retry").Inc()
		default:
			m.queueAttempts.WithLabelValues("failed").Inc()
			m.queueItems.WithLabelValues(string(schema.ItemFailed)).Inc()
		}
	case schema.BatchDone:
		m.batchesActive.Dec()
	}
}

// BatchStarted marks a batch as running. BatchDone events decrement it.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.batchesActive.Inc()
}
