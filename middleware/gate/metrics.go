/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelReason = "reason"
	metricsLabelDryRun = "dry_run"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// Rejection reasons used as metrics label values.
const (
	RejectReasonQueueFull    = "queue_full"
	RejectReasonQueueTimeout = "queue_timeout"
	RejectReasonRateLimit    = "rate_limit"
)

// MetricsCollector represents collector of metrics for the gate decisions.
type MetricsCollector struct {
	Rejects       *prometheus.CounterVec
	QueueWaitTime prometheus.Histogram
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_rejects_total",
		Help:      "Number of rejected requests by rejection reason.",
	}, []string{metricsLabelReason, metricsLabelDryRun})

	queueWaitTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_queue_wait_seconds",
		Help:      "Time queued requests spent waiting before being admitted.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	return &MetricsCollector{Rejects: rejects, QueueWaitTime: queueWaitTime}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(mc.Rejects, mc.QueueWaitTime)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.Rejects)
	prometheus.Unregister(mc.QueueWaitTime)
}

func (mc *MetricsCollector) incRejects(reason string, dryRun bool) {
	if mc == nil {
		return
	}
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	mc.Rejects.With(prometheus.Labels{metricsLabelReason: reason, metricsLabelDryRun: dryRunVal}).Inc()
}

func (mc *MetricsCollector) observeQueueWait(d time.Duration) {
	if mc == nil {
		return
	}
	mc.QueueWaitTime.Observe(d.Seconds())
}
