// Package observability exposes the orchestrator's Prometheus metrics:
// LLM request accounting, tool call outcomes, item and workflow terminals,
// and active session counts.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the orchestrator publishes. One instance is
// created at startup and shared by all sessions.
type Metrics struct {
	// LLMRequestDuration measures chat-completion latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts chat-completion requests.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolCallCounter counts provider tool invocations.
	// Labels: server, tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ItemOutcomeCounter counts todo items reaching a terminal status.
	// Labels: outcome (verified|unverified|replanned|skipped|failed)
	ItemOutcomeCounter *prometheus.CounterVec

	// ItemBlockedCounter counts dependency-blocked scheduler visits.
	ItemBlockedCounter prometheus.Counter

	// WorkflowCounter counts finished runs.
	// Labels: status (complete|error)
	WorkflowCounter *prometheus.CounterVec

	// WorkflowDuration measures run wall time in seconds.
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	WorkflowDuration prometheus.Histogram

	// ActiveSessions tracks sessions with an in-flight message.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all collectors. A nil registerer uses the
// Prometheus default registry, which serves the standard /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_llm_request_duration_seconds",
				Help:    "Duration of chat-completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_llm_requests_total",
				Help: "Total chat-completion requests by model and status",
			},
			[]string{"model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_llm_tokens_total",
				Help: "Total tokens consumed by model and type",
			},
			[]string{"model", "type"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tool_calls_total",
				Help: "Total provider tool invocations by server, tool, and status",
			},
			[]string{"server", "tool", "status"},
		),

		ItemOutcomeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_items_total",
				Help: "Total todo items reaching a terminal outcome",
			},
			[]string{"outcome"},
		),

		ItemBlockedCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "maestro_item_blocked_checks_total",
				Help: "Total dependency-blocked scheduler visits",
			},
		),

		WorkflowCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_workflows_total",
				Help: "Total finished runs by status",
			},
			[]string{"status"},
		),

		WorkflowDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "maestro_workflow_duration_seconds",
				Help:    "Wall time of finished runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maestro_active_sessions",
				Help: "Sessions currently handling a message",
			},
		),
	}
}

// RecordLLMRequest records one chat-completion request. It satisfies the LLM
// client's MetricsRecorder interface.
func (m *Metrics) RecordLLMRequest(model, status string, seconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}
