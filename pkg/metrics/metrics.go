// Package metrics provides Prometheus metrics collection for the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	SignalIngestTotal    *prometheus.CounterVec
	SignalDedupDropTotal *prometheus.CounterVec

	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	DefenseDecisions *prometheus.CounterVec

	ProviderRequests *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec

	AgentTurnsTotal  *prometheus.CounterVec
	AgentTurnSeconds prometheus.Histogram

	SchedulerRunsTotal *prometheus.CounterVec

	ContradictionRatio  prometheus.Gauge
	HygieneSweepsTotal  prometheus.Counter
	SLOViolationsTotal  *prometheus.CounterVec
	ComponentRestarts   *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalIngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_ingest_total",
				Help: "External signals accepted by the ingestion pipeline",
			},
			[]string{"source_kind"},
		),
		SignalDedupDropTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_dedup_drop_total",
				Help: "External signals dropped as duplicates",
			},
			[]string{"source_kind"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_call_duration_seconds",
				Help:    "Tool execution duration",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
			},
			[]string{"tool"},
		),
		DefenseDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "defense_decisions_total",
				Help: "External-content defense decisions",
			},
			[]string{"source", "action"},
		),
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "LLM provider requests",
			},
			[]string{"provider"},
		),
		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_failures_total",
				Help: "LLM provider failures after retry budget",
			},
			[]string{"provider"},
		),
		AgentTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Agent loop turns by stop reason",
			},
			[]string{"stop_reason"},
		),
		AgentTurnSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "Agent turn duration",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		SchedulerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_runs_total",
				Help: "Scheduled job runs by kind and status",
			},
			[]string{"kind", "status"},
		),
		ContradictionRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_contradiction_ratio",
				Help: "Ratio of contradiction-marked events to total events",
			},
		),
		HygieneSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_hygiene_sweeps_total",
				Help: "Completed hygiene sweeps",
			},
		),
		SLOViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slo_violations_total",
				Help: "SLO violations by kind",
			},
			[]string{"kind"},
		),
		ComponentRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "component_restarts_total",
				Help: "Supervisor-initiated component restarts",
			},
			[]string{"component"},
		),
	}

	registerer.MustRegister(
		m.SignalIngestTotal, m.SignalDedupDropTotal,
		m.ToolCallsTotal, m.ToolCallDuration,
		m.DefenseDecisions,
		m.ProviderRequests, m.ProviderFailures,
		m.AgentTurnsTotal, m.AgentTurnSeconds,
		m.SchedulerRunsTotal,
		m.ContradictionRatio, m.HygieneSweepsTotal, m.SLOViolationsTotal,
		m.ComponentRestarts,
	)

	return m
}
