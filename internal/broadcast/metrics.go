package broadcast

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the subsystem shared by all broadcast metrics.
const MetricsSubsystem = "broadcast"

// Metrics for the broadcast scheduler.
type Metrics struct {
	// Messages delivered, by method and result (ok/error).
	Messages metrics.Counter
	// Jobs waiting in the scheduler queue.
	QueueDepth metrics.Gauge
	// Targets currently subscribed.
	Audience metrics.Gauge
}

// PrometheusMetricsProvider registers the collectors once, labelled by
// channel, and returns a function binding them to one channel.
func PrometheusMetricsProvider(namespace string) func(channel string) *Metrics {
	m := prometheusMetrics(namespace, []string{"channel"})
	return func(channel string) *Metrics {
		return m.With("channel", channel)
	}
}

func prometheusMetrics(namespace string, labels []string) *Metrics {
	return &Metrics{
		Messages: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_total",
			Help:      "Broadcast messages delivered.",
		}, append(labels, "method", "result")),
		QueueDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the broadcast queue.",
		}, labels),
		Audience: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "audience",
			Help:      "Number of subscribed broadcast targets.",
		}, labels),
	}
}

// With binds label values to every metric.
func (m *Metrics) With(labelsAndValues ...string) *Metrics {
	return &Metrics{
		Messages:   m.Messages.With(labelsAndValues...),
		QueueDepth: m.QueueDepth.With(labelsAndValues...),
		Audience:   m.Audience.With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Messages:   discard.NewCounter(),
		QueueDepth: discard.NewGauge(),
		Audience:   discard.NewGauge(),
	}
}
