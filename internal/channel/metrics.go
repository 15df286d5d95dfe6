package channel

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the subsystem shared by all channel metrics.
const MetricsSubsystem = "channel"

// Metrics for a channel coordinator.
type Metrics struct {
	// State transitions, by from and to state.
	Transitions metrics.Counter
	// Leader reassignments, by result (leader/follower/rejected).
	LeaderResets metrics.Counter
	// Leader complaints raised by this node.
	Complaints metrics.Counter
	// Failed subscribe attempts.
	SubscribeFailures metrics.Counter
	// Execution engine call latency in seconds, by method.
	CommitDuration metrics.Histogram
	// Height of the local tip.
	Height metrics.Gauge
	// 1 while this node leads the channel.
	IsLeader metrics.Gauge
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
		Transitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transitions_total",
			Help:      "Channel state transitions.",
		}, append(labels, "from", "to")),
		LeaderResets: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "leader_reset_total",
			Help:      "Leader reassignment requests, by result.",
		}, append(labels, "result")),
		Complaints: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "leader_complaints_total",
			Help:      "Leader complaints raised by this node.",
		}, labels),
		SubscribeFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "subscribe_failures_total",
			Help:      "Failed subscribe attempts.",
		}, labels),
		CommitDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "commit_duration_seconds",
			Help:      "Execution engine call latency in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 14),
		}, append(labels, "method")),
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the local chain tip.",
		}, labels),
		IsLeader: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "is_leader",
			Help:      "Whether this node leads the channel.",
		}, labels),
	}
}

// With binds label values to every metric.
func (m *Metrics) With(labelsAndValues ...string) *Metrics {
	return &Metrics{
		Transitions:       m.Transitions.With(labelsAndValues...),
		LeaderResets:      m.LeaderResets.With(labelsAndValues...),
		Complaints:        m.Complaints.With(labelsAndValues...),
		SubscribeFailures: m.SubscribeFailures.With(labelsAndValues...),
		CommitDuration:    m.CommitDuration.With(labelsAndValues...),
		Height:            m.Height.With(labelsAndValues...),
		IsLeader:          m.IsLeader.With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Transitions:       discard.NewCounter(),
		LeaderResets:      discard.NewCounter(),
		Complaints:        discard.NewCounter(),
		SubscribeFailures: discard.NewCounter(),
		CommitDuration:    discard.NewHistogram(),
		Height:            discard.NewGauge(),
		IsLeader:          discard.NewGauge(),
	}
}
