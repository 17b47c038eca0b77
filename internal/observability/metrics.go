package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Ingress metrics
	DatagramsReceived *prometheus.CounterVec
	DecodeFailures    *prometheus.CounterVec
	RepliesSent       *prometheus.CounterVec

	// Kafka metrics
	EventsPublished *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
	PublishErrors   *prometheus.CounterVec
	DLQPublished    *prometheus.CounterVec

	// Egress metrics
	EventsForwarded *prometheus.CounterVec
	EncodeFailures  *prometheus.CounterVec
	DatagramBytes   *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		DatagramsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_datagrams_received_total",
				Help: "Total number of CoAP datagrams received",
			},
			[]string{"encoding", "result"},
		),
		DecodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_decode_failures_total",
				Help: "Total number of datagrams that could not be decoded into events",
			},
			[]string{"kind"},
		),
		RepliesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_replies_sent_total",
				Help: "Total number of CoAP replies sent",
			},
			[]string{"code"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_events_published_total",
				Help: "Total number of events published to Kafka",
			},
			[]string{"topic", "type"},
		),
		PublishLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Latency of Kafka publish operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"topic"},
		),
		PublishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_errors_total",
				Help: "Total number of failed Kafka publish operations",
			},
			[]string{"topic"},
		),
		DLQPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_dlq_published_total",
				Help: "Total number of records sent to the dead letter queue",
			},
			[]string{"topic", "kind"},
		),

		EventsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_events_forwarded_total",
				Help: "Total number of Kafka events forwarded as CoAP datagrams",
			},
			[]string{"topic", "encoding"},
		),
		EncodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_encode_failures_total",
				Help: "Total number of events that could not be encoded as CoAP",
			},
			[]string{"kind"},
		),
		DatagramBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coap_datagram_size_bytes",
				Help:    "Size of CoAP datagrams handled by the bridge",
				Buckets: prometheus.ExponentialBuckets(32, 2, 12), // 32B to 64KB
			},
			[]string{"direction"},
		),
	}
}

// IncDatagramsReceived increments datagrams received counter.
func (m *Metrics) IncDatagramsReceived(encoding, result string) {
	m.DatagramsReceived.WithLabelValues(encoding, result).Inc()
}

// IncDecodeFailures increments decode failures counter.
func (m *Metrics) IncDecodeFailures(kind string) {
	m.DecodeFailures.WithLabelValues(kind).Inc()
}

// IncRepliesSent increments replies counter.
func (m *Metrics) IncRepliesSent(code string) {
	m.RepliesSent.WithLabelValues(code).Inc()
}

// IncEventsPublished increments events published counter.
func (m *Metrics) IncEventsPublished(topic, eventType string) {
	m.EventsPublished.WithLabelValues(topic, eventType).Inc()
}

// ObservePublishLatency observes publish latency.
func (m *Metrics) ObservePublishLatency(topic string, duration float64) {
	m.PublishLatency.WithLabelValues(topic).Observe(duration)
}

// IncPublishErrors increments publish errors counter.
func (m *Metrics) IncPublishErrors(topic string) {
	m.PublishErrors.WithLabelValues(topic).Inc()
}

// IncDLQPublished increments DLQ counter.
func (m *Metrics) IncDLQPublished(topic, kind string) {
	m.DLQPublished.WithLabelValues(topic, kind).Inc()
}

// IncEventsForwarded increments events forwarded counter.
func (m *Metrics) IncEventsForwarded(topic, encoding string) {
	m.EventsForwarded.WithLabelValues(topic, encoding).Inc()
}

// IncEncodeFailures increments encode failures counter.
func (m *Metrics) IncEncodeFailures(kind string) {
	m.EncodeFailures.WithLabelValues(kind).Inc()
}

// ObserveDatagramBytes observes a datagram size.
func (m *Metrics) ObserveDatagramBytes(direction string, size int) {
	m.DatagramBytes.WithLabelValues(direction).Observe(float64(size))
}
