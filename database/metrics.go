package database

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the prometheus subsystem for block storage.
const MetricsSubsystem = "store"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Latency of store operations in seconds, labelled by op.
	OpDuration metrics.Histogram
	// Number of failed store operations, labelled by op.
	OpErrors metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		OpDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "op_duration_seconds",
			Help:      "Latency of block store operations.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		OpErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "op_errors",
			Help:      "Number of failed block store operations.",
		}, []string{"op"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		OpDuration: discard.NewHistogram(),
		OpErrors:   discard.NewCounter(),
	}
}
