package promptrelay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "promptrelay"

// relayMetrics holds the bot's prometheus collectors. They're registered
// on a registry owned by the bot, rather than the global default, so
// multiple bots (ex: in tests) don't collide. Methods are safe to call on
// a nil *relayMetrics.
type relayMetrics struct {
	registry *prometheus.Registry

	commandsTotal       *prometheus.CounterVec
	cooldownDenied      prometheus.Counter
	completionsTotal    *prometheus.CounterVec
	completionLatency   prometheus.Histogram
	responsesTruncated  prometheus.Counter
	handlerPanicsTotal  prometheus.Counter
	commandsInProgress  prometheus.Gauge
	cooldownUsersActive prometheus.GaugeFunc
}

func newRelayMetrics(gate *CooldownGate) *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Commands received, by command name",
			},
			[]string{"command"},
		),
		cooldownDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cooldown_denied_total",
				Help:      "ai commands denied by the per-user cooldown",
			},
		),
		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "completions_total",
				Help:      "Completion requests, by outcome",
			},
			[]string{"outcome"},
		),
		completionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "completion_duration_seconds",
				Help:      "Completion request latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 20, 30, 45},
			},
		),
		responsesTruncated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "responses_truncated_total",
				Help:      "Replies cut to the maximum response length",
			},
		),
		handlerPanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_panics_total",
				Help:      "Panics recovered in message handlers",
			},
		),
		commandsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "commands_in_progress",
				Help:      "ai commands waiting on a completion",
			},
		),
	}
	m.cooldownUsersActive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cooldown_users_tracked",
			Help:      "Users with a recorded cooldown entry",
		},
		func() float64 { return float64(gate.Len()) },
	)

	m.registry.MustRegister(
		m.commandsTotal,
		m.cooldownDenied,
		m.completionsTotal,
		m.completionLatency,
		m.responsesTruncated,
		m.handlerPanicsTotal,
		m.commandsInProgress,
		m.cooldownUsersActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *relayMetrics) command(name string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(name).Inc()
}

func (m *relayMetrics) denied() {
	if m == nil {
		return
	}
	m.cooldownDenied.Inc()
}

func (m *relayMetrics) completion(r CompletionResult) {
	if m == nil {
		return
	}
	m.completionsTotal.WithLabelValues(string(r.Outcome)).Inc()
	m.completionLatency.Observe(r.Duration().Seconds())
}

func (m *relayMetrics) truncated() {
	if m == nil {
		return
	}
	m.responsesTruncated.Inc()
}

func (m *relayMetrics) panicked() {
	if m == nil {
		return
	}
	m.handlerPanicsTotal.Inc()
}

func (m *relayMetrics) inProgress(delta float64) {
	if m == nil {
		return
	}
	m.commandsInProgress.Add(delta)
}
