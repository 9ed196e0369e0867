// Package metric provides the Prometheus metrics registry and the /metrics
// endpoint for middlewared.
//
// NewMetricsRegistry registers the core metrics (calls, jobs, events,
// connections, auth failures, service status) plus Go runtime collectors.
// Components register their own collectors under a component name:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCall("core.ping", "cooperative", 0, time.Millisecond)
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatcher_pool_queue_depth"})
//	_ = registry.RegisterGauge("dispatcher", "pool_queue_depth", depth)
//
// Server serves the registry and a health handler on a separate listener.
package metric
