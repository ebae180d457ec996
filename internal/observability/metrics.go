// Package observability exposes Prometheus metrics for the chanwire service.
package observability

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for chanwire. Each instance carries
// its own registry so independent instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// Channel metrics
	messagesPublished *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	subscriptions     prometheus.Gauge
	topics            prometheus.Gauge

	// Realtime metrics
	wsConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		messagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwire_channel_messages_published_total",
				Help: "Total number of messages published to the broker",
			},
			[]string{"topic"},
		),
		messagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwire_channel_messages_delivered_total",
				Help: "Total number of messages delivered to subscriber queues",
			},
			[]string{"topic"},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwire_channel_messages_dropped_total",
				Help: "Total number of messages dropped because a subscriber queue was full",
			},
			[]string{"topic"},
		),
		decodeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chanwire_channel_decode_failures_total",
				Help: "Total number of inbound frames that failed to decode",
			},
		),
		subscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chanwire_channel_subscriptions",
				Help: "Current number of active channel subscriptions",
			},
		),
		topics: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chanwire_channel_topics",
				Help: "Current number of topics with at least one subscriber",
			},
		),
		wsConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chanwire_realtime_connections",
				Help: "Current number of WebSocket connections",
			},
		),
	}
}

// MessagePublished records a successful broker publish.
func (m *Metrics) MessagePublished(topic string) {
	m.messagesPublished.WithLabelValues(topic).Inc()
}

// MessageDelivered records a delivery to one subscriber queue.
func (m *Metrics) MessageDelivered(topic string) {
	m.messagesDelivered.WithLabelValues(topic).Inc()
}

// MessageDropped records a drop caused by a full subscriber queue.
func (m *Metrics) MessageDropped(topic string) {
	m.messagesDropped.WithLabelValues(topic).Inc()
}

// DecodeFailure records an inbound frame that failed to parse.
func (m *Metrics) DecodeFailure() {
	m.decodeFailures.Inc()
}

// SubscriptionOpened records a new subscriber registration.
func (m *Metrics) SubscriptionOpened() {
	m.subscriptions.Inc()
}

// SubscriptionClosed records a subscriber teardown.
func (m *Metrics) SubscriptionClosed() {
	m.subscriptions.Dec()
}

// SetTopics updates the active-topic gauge.
func (m *Metrics) SetTopics(n int) {
	m.topics.Set(float64(n))
}

// ConnectionOpened records a new WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	m.wsConnections.Inc()
}

// ConnectionClosed records a closed WebSocket connection.
func (m *Metrics) ConnectionClosed() {
	m.wsConnections.Dec()
}

// Handler returns a Fiber handler serving the metrics endpoint.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
