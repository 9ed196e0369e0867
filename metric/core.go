package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "middlewared"

// Metrics holds the metrics every middlewared process exports
type Metrics struct {
	CallsTotal         *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	JobsByState        *prometheus.GaugeVec
	EventsPublished    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	Subscriptions      prometheus.Gauge
	Connections        *prometheus.GaugeVec
	AuthFailures       *prometheus.CounterVec
	ServiceStatus      *prometheus.GaugeVec
	PluginsQuarantined prometheus.Gauge
	NATSConnected      prometheus.Gauge
}

// NewMetrics creates the core metrics; they are registered by NewMetricsRegistry
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "total",
			Help:      "Method calls by path and errno (0 on success)",
		}, []string{"method", "errno"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Method call duration by path and substrate",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "substrate"}),

		JobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "current",
			Help:      "Tracked jobs by state",
		}, []string{"state"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by topic",
		}, []string{"topic"}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped by subscription backpressure, by topic and policy",
		}, []string{"topic", "policy"}),

		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscriptions",
			Help:      "Open event subscriptions",
		}),

		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open connections by transport",
		}, []string{"transport"}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected authentication attempts by mechanism",
		}, []string{"mechanism"}),

		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		PluginsQuarantined: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "quarantined",
			Help:      "Plugins currently quarantined after a critical failure",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "Event bridge connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CallsTotal, m.CallDuration, m.JobsByState, m.EventsPublished, m.EventsDropped,
		m.Subscriptions, m.Connections, m.AuthFailures, m.ServiceStatus,
		m.PluginsQuarantined, m.NATSConnected,
	}
}

// RecordCall counts a finished call and its duration
func (m *Metrics) RecordCall(method, substrate string, errno int, d time.Duration) {
	m.CallsTotal.WithLabelValues(method, strconv.Itoa(errno)).Inc()
	m.CallDuration.WithLabelValues(method, substrate).Observe(d.Seconds())
}

// RecordJobTransition moves one job between state gauges; from may be empty
func (m *Metrics) RecordJobTransition(from, to string) {
	if from != "" {
		m.JobsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.JobsByState.WithLabelValues(to).Inc()
	}
}

// RecordEventPublished counts a published event
func (m *Metrics) RecordEventPublished(topic string) {
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventsDropped counts events lost to backpressure
func (m *Metrics) RecordEventsDropped(topic, policy string, n int) {
	m.EventsDropped.WithLabelValues(topic, policy).Add(float64(n))
}

// RecordConnection adjusts the open connection gauge by delta
func (m *Metrics) RecordConnection(transport string, delta int) {
	m.Connections.WithLabelValues(transport).Add(float64(delta))
}

// RecordAuthFailure counts a rejected credential
func (m *Metrics) RecordAuthFailure(mechanism string) {
	m.AuthFailures.WithLabelValues(mechanism).Inc()
}

// RecordServiceStatus updates service status metric
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordNATSStatus updates the bridge connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}
