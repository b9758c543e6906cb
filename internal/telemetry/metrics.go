package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the runtime, the LLM/tool/sandbox
// collaborators, and the event handlers that drive them.
type Metrics struct {
	// EventsAppended counts envelopes appended, by stream and event type.
	EventsAppended *prometheus.CounterVec

	// ExecuteDuration measures Runtime.Execute latency.
	ExecuteDuration *prometheus.HistogramVec

	// ExecuteErrors counts failed Execute calls, by stream and cause.
	ExecuteErrors *prometheus.CounterVec

	// HandlerDuration measures one EventHandler.Handle call.
	HandlerDuration *prometheus.HistogramVec

	// HandlerErrors counts handler failures, by handler name.
	HandlerErrors *prometheus.CounterVec

	// LLMRequestDuration measures Provider.Complete latency.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completions by provider, model, and outcome.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks prompt/completion token counts.
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch latency.
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool dispatches by tool and outcome.
	ToolExecutionCounter *prometheus.CounterVec

	// SandboxOpDuration measures sandbox lifecycle operation latency.
	SandboxOpDuration *prometheus.HistogramVec

	// SandboxOpCounter counts sandbox operations by kind and outcome.
	SandboxOpCounter *prometheus.CounterVec

	// ActiveAggregates gauges live aggregates per stream (approximate;
	// incremented on first command, decremented when a handler observes
	// IsTerminal).
	ActiveAggregates *prometheus.GaugeVec

	// PlannerTasksInFlight gauges undispatched+dispatched tasks per plan.
	PlannerTasksInFlight *prometheus.GaugeVec
}

// NewMetrics registers all metrics against the default Prometheus registry.
// Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_events_appended_total",
				Help: "Total number of envelopes appended, by stream and event type",
			},
			[]string{"stream_id", "event_type"},
		),

		ExecuteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloom_execute_duration_seconds",
				Help:    "Duration of Runtime.Execute calls",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"stream_id"},
		),

		ExecuteErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_execute_errors_total",
				Help: "Total number of failed Runtime.Execute calls",
			},
			[]string{"stream_id"},
		),

		HandlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloom_handler_duration_seconds",
				Help:    "Duration of one EventHandler.Handle call",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"handler"},
		),

		HandlerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_handler_errors_total",
				Help: "Total number of EventHandler.Handle errors, by handler",
			},
			[]string{"handler"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloom_llm_request_duration_seconds",
				Help:    "Duration of LLM provider completions",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_llm_requests_total",
				Help: "Total number of LLM completions by provider, model, and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_llm_tokens_total",
				Help: "Total LLM tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "direction"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloom_tool_execution_duration_seconds",
				Help:    "Duration of tool dispatches",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_tool_executions_total",
				Help: "Total tool dispatches by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),

		SandboxOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloom_sandbox_op_duration_seconds",
				Help:    "Duration of sandbox lifecycle operations",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		),

		SandboxOpCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloom_sandbox_ops_total",
				Help: "Total sandbox lifecycle operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),

		ActiveAggregates: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentloom_active_aggregates",
				Help: "Approximate number of non-terminal aggregates by stream",
			},
			[]string{"stream_id"},
		),

		PlannerTasksInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentloom_planner_tasks_in_flight",
				Help: "Tasks not yet completed for a given plan",
			},
			[]string{"aggregate_id"},
		),
	}
}

func (m *Metrics) RecordExecute(streamID string, durationSeconds float64, err error) {
	m.ExecuteDuration.WithLabelValues(streamID).Observe(durationSeconds)
	if err != nil {
		m.ExecuteErrors.WithLabelValues(streamID).Inc()
	}
}

func (m *Metrics) RecordEventAppended(streamID, eventType string) {
	m.EventsAppended.WithLabelValues(streamID, eventType).Inc()
}

func (m *Metrics) RecordHandler(name string, durationSeconds float64, err error) {
	m.HandlerDuration.WithLabelValues(name).Observe(durationSeconds)
	if err != nil {
		m.HandlerErrors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) RecordLLMRequest(provider, model, outcome string, durationSeconds float64, tokensIn, tokensOut int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, outcome).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if tokensIn > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(tokensOut))
	}
}

func (m *Metrics) RecordToolExecution(tool, outcome string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

func (m *Metrics) RecordSandboxOp(op, outcome string, durationSeconds float64) {
	m.SandboxOpCounter.WithLabelValues(op, outcome).Inc()
	m.SandboxOpDuration.WithLabelValues(op).Observe(durationSeconds)
}
