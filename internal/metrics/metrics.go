package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of the gateway.
type Metrics struct {
	MessagesReceived    *prometheus.CounterVec
	MessagesProcessed   *prometheus.CounterVec
	MessagesFailed      *prometheus.CounterVec
	ObservationsSkipped prometheus.Counter
	ProcessingDuration  prometheus.Histogram
	OpenConnections     prometheus.Gauge
}

// New registers the gateway metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hl7_gateway",
			Subsystem: "mllp",
			Name:      "messages_received_total",
			Help:      "Total number of MLLP frames received by automate.",
		}, []string{"automate"}),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hl7_gateway",
			Subsystem: "ingest",
			Name:      "messages_processed_total",
			Help:      "Total number of successfully processed messages by type.",
		}, []string{"type"}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hl7_gateway",
			Subsystem: "ingest",
			Name:      "messages_failed_total",
			Help:      "Total number of messages that ended in ERROR by type.",
		}, []string{"type"}),
		ObservationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hl7_gateway",
			Subsystem: "ingest",
			Name:      "observations_skipped_total",
			Help:      "OBX segments skipped because no analysis matched their code.",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hl7_gateway",
			Subsystem: "ingest",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hl7_gateway",
			Subsystem: "mllp",
			Name:      "open_connections",
			Help:      "Number of currently open MLLP connections.",
		}),
	}
}
