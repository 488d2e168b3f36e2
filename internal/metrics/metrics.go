package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/gauges for voice calls and email capture.
type CallMetrics struct {
	connectAttempts *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	captureResults  *prometheus.CounterVec
	webhookTotal    *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcapture",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts to the voice agent by outcome",
		}, []string{"outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callcapture",
			Subsystem: "session",
			Name:      "active",
			Help:      "Voice sessions currently connected",
		}),
		captureResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcapture",
			Subsystem: "capture",
			Name:      "results_total",
			Help:      "Resolved email capture requests",
		}, []string{"origin", "outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcapture",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by status",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcapture",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Client tool calls made by the remote agent",
		}, []string{"tool", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connectAttempts, m.sessionsActive, m.captureResults, m.webhookTotal, m.toolCalls)
	return m
}

func (m *CallMetrics) ObserveConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(outcome).Inc()
}

func (m *CallMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *CallMetrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *CallMetrics) ObserveCapture(origin, outcome string) {
	if m == nil {
		return
	}
	m.captureResults.WithLabelValues(origin, outcome).Inc()
}

func (m *CallMetrics) ObserveWebhook(status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(status).Inc()
}

func (m *CallMetrics) ObserveToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}
