package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters and latencies for the phase pipeline and
// the tool protocol client.
//
// All metrics carry the "cascade_" prefix. Register once at startup; the
// orchestrator and MCP manager receive the instance by injection.
type Metrics struct {
	// TurnCounter counts processed turns.
	// Labels: status (success|failure|interim)
	TurnCounter *prometheus.CounterVec

	// PhaseCounter counts phase executions.
	// Labels: phase, status
	PhaseCounter *prometheus.CounterVec

	// PhaseDuration measures per-phase wall time in seconds.
	// Labels: phase
	PhaseDuration *prometheus.HistogramVec

	// LoopCounter counts backward loop transitions.
	// Labels: from_phase, to_phase
	LoopCounter *prometheus.CounterVec

	// ToolCallCounter counts tool invocations through the protocol client.
	// Labels: tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion requests.
	// Labels: provider, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ReconnectCounter counts worker reconnection attempts by the health loop.
	// Labels: server, status (success|error)
	ReconnectCounter *prometheus.CounterVec

	// ConnectedWorkers gauges currently live worker connections.
	ConnectedWorkers prometheus.Gauge
}

// NewMetrics creates metrics registered against the given registerer.
// Passing nil uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_turns_total",
				Help: "Total processed conversation turns by outcome",
			},
			[]string{"status"},
		),
		PhaseCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_phase_executions_total",
				Help: "Total phase executions by phase and result status",
			},
			[]string{"phase", "status"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_phase_duration_seconds",
				Help:    "Phase execution duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		),
		LoopCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_phase_loops_total",
				Help: "Backward loop transitions taken by the state machine",
			},
			[]string{"from_phase", "to_phase"},
		),
		ToolCallCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_tool_calls_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_llm_requests_total",
				Help: "LLM completion requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		ReconnectCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_worker_reconnects_total",
				Help: "Worker reconnection attempts by the health loop",
			},
			[]string{"server", "status"},
		),
		ConnectedWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cascade_connected_workers",
				Help: "Currently connected tool workers",
			},
		),
	}

	factory.MustRegister(
		m.TurnCounter,
		m.PhaseCounter,
		m.PhaseDuration,
		m.LoopCounter,
		m.ToolCallCounter,
		m.ToolCallDuration,
		m.LLMRequestCounter,
		m.ReconnectCounter,
		m.ConnectedWorkers,
	)
	return m
}
