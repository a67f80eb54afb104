package workpool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the prometheus subsystem for the worker pool.
const MetricsSubsystem = "workpool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of tasks waiting in the queue.
	QueueDepth metrics.Gauge
	// Number of tasks that panicked.
	TaskPanics metrics.Counter
	// Number of tasks run to completion.
	TasksDone metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting for a worker.",
		}, []string{}),
		TaskPanics: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "task_panics",
			Help:      "Number of tasks that panicked.",
		}, []string{}),
		TasksDone: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tasks_done",
			Help:      "Number of tasks executed.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		QueueDepth: discard.NewGauge(),
		TaskPanics: discard.NewCounter(),
		TasksDone:  discard.NewCounter(),
	}
}
