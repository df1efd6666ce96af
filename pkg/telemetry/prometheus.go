package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	// Namespace is the metrics namespace (default: "tether").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// PrometheusOption configures the Prometheus sink.
type PrometheusOption func(*PrometheusConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Registry = registry
	}
}

// Prometheus exports events as Prometheus counters and gauges.
type Prometheus struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	resyncsTotal   prometheus.Counter
	droppedTotal   prometheus.Counter
	outDropped     prometheus.Counter
	decodeErrors   prometheus.Counter
	rateLimited    prometheus.Counter
}

// NewPrometheus registers the tether metrics and returns a sink updating
// them. Registering twice on the same registry panics, as with promauto.
func NewPrometheus(opts ...PrometheusOption) *Prometheus {
	config := PrometheusConfig{
		Namespace: "tether",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	metricOpts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Prometheus{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts(
			metricOpts("active_sessions", "Number of live sessions, attached or detached"))),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts(
			metricOpts("session_events_total", "Session lifecycle events")), []string{"event"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts(
			metricOpts("bytes_total", "Bytes moved over client connections")), []string{"direction", "transport"}),
		resyncsTotal: factory.NewCounter(prometheus.CounterOpts(
			metricOpts("resyncs_total", "Full snapshots sent to sessions"))),
		droppedTotal: factory.NewCounter(prometheus.CounterOpts(
			metricOpts("inbound_dropped_total", "Inbound messages dropped on backlog overflow"))),
		outDropped: factory.NewCounter(prometheus.CounterOpts(
			metricOpts("outbound_dropped_total", "Queued outbound messages dropped on backlog overflow"))),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts(
			metricOpts("decode_errors_total", "Inbound messages that failed to decode"))),
		rateLimited: factory.NewCounter(prometheus.CounterOpts(
			metricOpts("rate_limited_total", "Connections or messages rejected by rate limits"))),
	}
}

// Emit implements Sink.
func (p *Prometheus) Emit(e Event) {
	v := float64(e.Value)
	switch e.Kind {
	case SessionOpened:
		p.activeSessions.Add(v)
		p.sessionsTotal.WithLabelValues("opened").Add(v)
	case SessionClosed:
		p.activeSessions.Sub(v)
		p.sessionsTotal.WithLabelValues("closed").Add(v)
	case SessionDetached:
		p.sessionsTotal.WithLabelValues("detached").Add(v)
	case SessionResumed:
		p.sessionsTotal.WithLabelValues("resumed").Add(v)
	case BytesSent:
		p.bytesTotal.WithLabelValues("out", e.Transport).Add(v)
	case BytesReceived:
		p.bytesTotal.WithLabelValues("in", e.Transport).Add(v)
	case ResyncTriggered:
		p.resyncsTotal.Add(v)
	case InboundDropped:
		p.droppedTotal.Add(v)
	case DecodeError:
		p.decodeErrors.Add(v)
	case RateLimited:
		p.rateLimited.Add(v)
	case OutboundDropped:
		p.outDropped.Add(v)
	}
}
