// Package metric manages Prometheus metrics for the ingestion pipeline.
//
// A MetricsRegistry wraps a private prometheus.Registry and namespaces
// component registrations as "component.metric" so two data sources cannot
// collide. Core pipeline metrics (message, byte and error counters plus
// connection state) are created once per registry; components register
// their own metrics on top.
package metric
