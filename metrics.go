package crac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Checkpoint results recorded by Metrics.
const (
	resultSuccess = "success"
	resultAborted = "aborted"
	resultFailed  = "failed"
)

// Hook phases recorded by Metrics.
const (
	phaseBeforeCheckpoint = "before_checkpoint"
	phaseAfterRestore     = "after_restore"
)

// Metrics holds the Prometheus collectors of the checkpoint lifecycle. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	checkpoints     *prometheus.CounterVec
	hookDuration    *prometheus.HistogramVec
	restoreDuration prometheus.Histogram
	listenerStarts  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crac",
				Name:      "checkpoints_total",
				Help:      "Total number of checkpoints requested, by result.",
			},
			[]string{"result"},
		),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "crac",
				Name:      "hook_duration_seconds",
				Help:      "Duration of resource hooks, by phase.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"phase"},
		),
		restoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "crac",
				Name:      "restore_duration_seconds",
				Help:      "Time from the snapshot returning to all resources being restored.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		listenerStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crac",
				Subsystem: "listener",
				Name:      "starts_total",
				Help:      "Total number of successful listener starts.",
			},
			[]string{"name"},
		),
	}
	reg.MustRegister(m.checkpoints, m.hookDuration, m.restoreDuration,
		m.listenerStarts)
	return m
}

func (m *Metrics) checkpoint(result string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

func (m *Metrics) hook(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.hookDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) restored(d time.Duration) {
	if m == nil {
		return
	}
	m.restoreDuration.Observe(d.Seconds())
}

func (m *Metrics) listenerStarted(name string) {
	if m == nil {
		return
	}
	m.listenerStarts.WithLabelValues(name).Inc()
}
