package network

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the prometheus subsystem for the p2p layer.
const MetricsSubsystem = "p2p"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of sessions, labelled by phase.
	Peers metrics.Gauge
	// Number of frames received, labelled by command.
	MessagesReceived metrics.Counter
	// Number of frames sent, labelled by command.
	MessagesSent metrics.Counter
	// Number of frames that failed to decode.
	FramingErrors metrics.Counter
	// Number of headers or blocks rejected for a broken chain link.
	ChainLinkErrors metrics.Counter
	// Number of messages dropped because the peer was not good.
	DroppedSends metrics.Counter
	// Number of transactions received and discarded.
	TxDropped metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peer sessions by phase.",
		}, []string{"phase"}),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of frames received.",
		}, []string{"command"}),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of frames sent.",
		}, []string{"command"}),
		FramingErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "framing_errors",
			Help:      "Number of frames that could not be decoded.",
		}, []string{}),
		ChainLinkErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chain_link_errors",
			Help:      "Number of peer messages rejected for a broken chain link.",
		}, []string{}),
		DroppedSends: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_sends",
			Help:      "Number of messages dropped for peers that are not good.",
		}, []string{}),
		TxDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tx_dropped",
			Help:      "Number of relayed transactions discarded.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:            discard.NewGauge(),
		MessagesReceived: discard.NewCounter(),
		MessagesSent:     discard.NewCounter(),
		FramingErrors:    discard.NewCounter(),
		ChainLinkErrors:  discard.NewCounter(),
		DroppedSends:     discard.NewCounter(),
		TxDropped:        discard.NewCounter(),
	}
}
