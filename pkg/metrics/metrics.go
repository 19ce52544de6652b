// Package metrics exposes the mesh runtime's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation (tests, embedded use).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for command duration (seconds).
var defaultDurationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	topicReceived    *prometheus.CounterVec // drp_topic_messages_received_total{topic}
	topicSent        *prometheus.CounterVec // drp_topic_messages_sent_total{topic}
	topicPruned      *prometheus.CounterVec // drp_topic_subscribers_pruned_total{topic}
	topicSubscribers *prometheus.GaugeVec   // drp_topic_subscribers{topic}

	cmdTotal    *prometheus.CounterVec   // drp_commands_total{method,status}
	cmdDuration *prometheus.HistogramVec // drp_command_duration_seconds{method}

	declarations      prometheus.Gauge // drp_declarations
	nodeEndpoints     prometheus.Gauge // drp_node_endpoints
	consumerEndpoints prometheus.Gauge // drp_consumer_endpoints
	relayBindings     prometheus.Gauge // drp_relay_bindings

	registrations   *prometheus.CounterVec // drp_registry_changes_total{action}
	backConnects    *prometheus.CounterVec // drp_backconnect_total{result}
	reconnectTries  prometheus.Counter     // drp_reconnect_attempts_total
	verifyDurations prometheus.Histogram   // drp_verify_connection_seconds
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		topicReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_topic_messages_received_total",
			Help: "Messages published to a topic.",
		}, []string{"topic"}),
		topicSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_topic_messages_sent_total",
			Help: "Messages delivered to topic subscribers.",
		}, []string{"topic"}),
		topicPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_topic_subscribers_pruned_total",
			Help: "Subscribers removed after a failed send.",
		}, []string{"topic"}),
		topicSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drp_topic_subscribers",
			Help: "Current subscribers per topic.",
		}, []string{"topic"}),
		cmdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_commands_total",
			Help: "Inbound commands by method and reply status.",
		}, []string{"method", "status"}),
		cmdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drp_command_duration_seconds",
			Help:    "Inbound command handling time.",
			Buckets: defaultDurationBuckets,
		}, []string{"method"}),
		declarations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_declarations",
			Help: "Known node declarations.",
		}),
		nodeEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_node_endpoints",
			Help: "Live connections to mesh nodes.",
		}),
		consumerEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_consumer_endpoints",
			Help: "Live consumer connections.",
		}),
		relayBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_relay_bindings",
			Help: "Active subscription relay bindings.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_registry_changes_total",
			Help: "Node registrations and unregistrations applied locally.",
		}, []string{"action"}),
		backConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drp_backconnect_total",
			Help: "Back-connect attempts by outcome.",
		}, []string{"result"}),
		reconnectTries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_reconnect_attempts_total",
			Help: "Outbound registry reconnect attempts.",
		}),
		verifyDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drp_verify_connection_seconds",
			Help:    "Time spent obtaining a connection to a node.",
			Buckets: defaultDurationBuckets,
		}),
	}
	m.registry.MustRegister(
		m.topicReceived, m.topicSent, m.topicPruned, m.topicSubscribers,
		m.cmdTotal, m.cmdDuration,
		m.declarations, m.nodeEndpoints, m.consumerEndpoints, m.relayBindings,
		m.registrations, m.backConnects, m.reconnectTries, m.verifyDurations,
	)
	return m
}

// Handler serves the collectors in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) TopicReceived(topic string) {
	if m != nil {
		m.topicReceived.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) TopicSent(topic string) {
	if m != nil {
		m.topicSent.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) TopicPruned(topic string) {
	if m != nil {
		m.topicPruned.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) TopicSubscribers(topic string, n int) {
	if m != nil {
		m.topicSubscribers.WithLabelValues(topic).Set(float64(n))
	}
}

// Command records one dispatched inbound command.
func (m *Metrics) Command(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.cmdTotal.WithLabelValues(method, status).Inc()
	m.cmdDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Mesh sets the gauges describing the node's view of the mesh.
func (m *Metrics) Mesh(declarations, nodes, consumers int) {
	if m == nil {
		return
	}
	m.declarations.Set(float64(declarations))
	m.nodeEndpoints.Set(float64(nodes))
	m.consumerEndpoints.Set(float64(consumers))
}

func (m *Metrics) RelayBindings(n int) {
	if m != nil {
		m.relayBindings.Set(float64(n))
	}
}

func (m *Metrics) RegistryChange(action string) {
	if m != nil {
		m.registrations.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) BackConnect(result string) {
	if m != nil {
		m.backConnects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectTries.Inc()
	}
}

func (m *Metrics) VerifyDuration(d time.Duration) {
	if m != nil {
		m.verifyDurations.Observe(d.Seconds())
	}
}
