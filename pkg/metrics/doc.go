// Package metrics provides Prometheus metrics for the subscription engine.
//
// Collectors are created through promauto against a caller-supplied
// registerer, so tests can use an isolated prometheus.Registry and the server
// can expose the same registry on its metrics endpoint.
//
// # Metrics
//
//   - subtransport_frames_received_total: inbound frames (labels: type)
//   - subtransport_frames_sent_total: outbound frames (labels: type)
//   - subtransport_active_connections: live transport connections
//   - subtransport_active_subscriptions: installed subscription table entries
//   - subtransport_backend_errors_total: backend failures (labels: phase)
//
// # Label Conventions
//
// The type label carries the wire message type (init, subscription_start,
// subscription_data, ...). Unrecognized inbound types are counted as
// "unknown" and undecodable frames as "malformed". The phase label is one of
// subscribe, callback.
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	c := metrics.New(metrics.WithRegistry(reg))
//	c.FrameReceived("init")
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// A nil *Collector is valid and records nothing.
package metrics
