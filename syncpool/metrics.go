package syncpool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the prometheus subsystem for the sync pools.
const MetricsSubsystem = "syncpool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the verified header chain.
	HeaderHeight metrics.Gauge
	// Height of the committed block chain.
	BlockHeight metrics.Gauge
	// Number of unverified entries, labelled by kind.
	Unverified metrics.Gauge
	// Number of entries promoted, labelled by kind.
	Promoted metrics.Counter
	// Number of evicted entries, labelled by kind and reason.
	Evicted metrics.Counter
	// Number of entries rejected for a broken chain link.
	ChainLinkErrors metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		HeaderHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "header_height",
			Help:      "Height of the verified header chain.",
		}, []string{}),
		BlockHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_height",
			Help:      "Height of the committed block chain.",
		}, []string{}),
		Unverified: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unverified",
			Help:      "Entries waiting for their parent.",
		}, []string{"kind"}),
		Promoted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "promoted",
			Help:      "Entries promoted to the verified chain.",
		}, []string{"kind"}),
		Evicted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evicted",
			Help:      "Unverified entries evicted.",
		}, []string{"kind", "reason"}),
		ChainLinkErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chain_link_errors",
			Help:      "Entries dropped for linking to a parent at the wrong height.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		HeaderHeight:    discard.NewGauge(),
		BlockHeight:     discard.NewGauge(),
		Unverified:      discard.NewGauge(),
		Promoted:        discard.NewCounter(),
		Evicted:         discard.NewCounter(),
		ChainLinkErrors: discard.NewCounter(),
	}
}
