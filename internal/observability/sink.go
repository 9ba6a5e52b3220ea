package observability

import (
	"context"

	"github.com/tessro/maestro/pkg/models"
)

// MetricsSink feeds the event stream into the collectors, so the pipeline
// needs no direct metrics wiring. It is placed alongside the delivery sinks
// in a fan-out.
type MetricsSink struct {
	metrics *Metrics
}

// Sink returns an event sink backed by these metrics.
func (m *Metrics) Sink() *MetricsSink {
	return &MetricsSink{metrics: m}
}

// Emit updates the collectors touched by the frame.
func (s *MetricsSink) Emit(ctx context.Context, frame models.Frame) {
	m := s.metrics
	switch frame.Type {
	case models.EventItemBlocked:
		m.ItemBlockedCounter.Inc()

	case models.EventItemExecuted:
		data, ok := frame.Data.(models.ItemExecutedData)
		if !ok {
			return
		}
		for _, call := range data.Results {
			status := "error"
			if call.Success {
				status = "success"
			}
			m.ToolCallCounter.WithLabelValues(call.Server, call.Tool, status).Inc()
		}

	case models.EventItemVerified:
		data, ok := frame.Data.(models.ItemVerifiedData)
		if !ok {
			return
		}
		outcome := "unverified"
		if data.Verified {
			outcome = "verified"
		}
		m.ItemOutcomeCounter.WithLabelValues(outcome).Inc()

	case models.EventItemReplanned:
		m.ItemOutcomeCounter.WithLabelValues("replanned").Inc()

	case models.EventItemSkipped:
		m.ItemOutcomeCounter.WithLabelValues("skipped").Inc()

	case models.EventItemFailed:
		m.ItemOutcomeCounter.WithLabelValues("failed").Inc()

	case models.EventWorkflowComplete:
		m.WorkflowCounter.WithLabelValues("complete").Inc()
		if data, ok := frame.Data.(models.WorkflowCompleteData); ok {
			m.WorkflowDuration.Observe(float64(data.DurationMs) / 1000)
		}

	case models.EventWorkflowError:
		m.WorkflowCounter.WithLabelValues("error").Inc()
	}
}
