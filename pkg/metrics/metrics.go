package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend error phases.
const (
	PhaseSubscribe = "subscribe"
	PhaseCallback  = "callback"
)

// Config configures the collector.
type Config struct {
	// Namespace is the metrics namespace (default: "subtransport").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registerer to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "subtransport",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the engine and transport metrics.
type Collector struct {
	framesReceived      *prometheus.CounterVec
	framesSent          *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	backendErrors       *prometheus.CounterVec
}

// New creates and registers a Collector.
// It panics if a metric with the same name is already registered with the registerer.
func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Collector{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_received_total",
			Help:        "Total number of inbound protocol frames by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Total number of outbound protocol frames by type",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_connections",
			Help:        "Number of live transport connections",
			ConstLabels: cfg.ConstLabels,
		}),

		activeSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_subscriptions",
			Help:        "Number of active backend subscriptions",
			ConstLabels: cfg.ConstLabels,
		}),

		backendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "backend_errors_total",
			Help:        "Total number of backend errors by phase",
			ConstLabels: cfg.ConstLabels,
		}, []string{"phase"}),
	}
}

// FrameReceived counts one inbound frame.
func (c *Collector) FrameReceived(msgType string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(msgType).Inc()
}

// FrameSent counts one outbound frame.
func (c *Collector) FrameSent(msgType string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(msgType).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.activeConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

// SubscriptionsChanged adjusts the active subscription gauge by delta.
func (c *Collector) SubscriptionsChanged(delta int) {
	if c == nil || delta == 0 {
		return
	}
	c.activeSubscriptions.Add(float64(delta))
}

// BackendError counts one backend failure in the given phase.
func (c *Collector) BackendError(phase string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(phase).Inc()
}
