// Package observability provides Prometheus metrics and request-scoped
// logging context for the Parley core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus metric set.
//
// Metrics are registered with the registerer passed to NewMetrics and
// served from the standard /metrics endpoint.
type Metrics struct {
	// TaskQueueDepth tracks per-priority queue length.
	// Labels: priority (urgent|high|normal|low)
	TaskQueueDepth *prometheus.GaugeVec

	// TasksTotal counts completed task executions.
	// Labels: type, status (completed|failed|cancelled)
	TasksTotal *prometheus.CounterVec

	// IngestBatchesTotal counts embedding+write batches.
	// Labels: status (success|error)
	IngestBatchesTotal *prometheus.CounterVec

	// IngestChunksTotal counts chunks written to vector stores.
	IngestChunksTotal prometheus.Counter

	// VectorWriteDuration measures locked vector-store writes in seconds.
	// Buckets: 0.05s .. 300s
	VectorWriteDuration prometheus.Histogram

	// CheckpointPages records WAL pages checkpointed per write.
	CheckpointPages prometheus.Histogram

	// ToolCallsTotal counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|cached)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM calls.
	// Labels: provider, model, status (success|error|unsupported_tools)
	LLMRequestsTotal *prometheus.CounterVec

	// ActiveStreamSessions gauges orchestrator sessions currently streaming.
	ActiveStreamSessions prometheus.Gauge

	// CitationsEmitted counts lean citations emitted to clients.
	CitationsEmitted prometheus.Counter

	// GroupRepliesScheduled counts delayed AI replies created.
	// Labels: trigger (human|at_mention|ai_message)
	GroupRepliesScheduled *prometheus.CounterVec

	// GroupRepliesCancelled counts delayed replies cancelled before firing.
	GroupRepliesCancelled prometheus.Counter

	// GroupRepliesSuppressed counts replies dropped by the similarity
	// detector or the reply controller.
	// Labels: reason (similarity|reply_cap|cooldown|offline)
	GroupRepliesSuppressed *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Production passes prometheus.DefaultRegisterer; tests pass a fresh
// registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_task_queue_depth",
				Help: "Current queue length by priority",
			},
			[]string{"priority"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tasks_total",
				Help: "Task executions by type and terminal status",
			},
			[]string{"type", "status"},
		),
		IngestBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_ingest_batches_total",
				Help: "Embedding and vector-write batches",
			},
			[]string{"status"},
		),
		IngestChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_ingest_chunks_total",
				Help: "Chunks written to vector stores",
			},
		),
		VectorWriteDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_vector_write_duration_seconds",
				Help:    "Locked vector-store write latency",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		CheckpointPages: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_wal_checkpoint_pages",
				Help:    "WAL pages checkpointed per write",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_calls_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_call_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),
		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "LLM calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ActiveStreamSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_stream_sessions",
				Help: "Sessions currently streaming a turn",
			},
		),
		CitationsEmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_citations_emitted_total",
				Help: "Lean citations emitted to clients",
			},
		),
		GroupRepliesScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_group_replies_scheduled_total",
				Help: "Delayed AI replies scheduled by trigger type",
			},
			[]string{"trigger"},
		),
		GroupRepliesCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_group_replies_cancelled_total",
				Help: "Delayed AI replies cancelled before firing",
			},
		),
		GroupRepliesSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_group_replies_suppressed_total",
				Help: "AI replies suppressed before broadcast",
			},
			[]string{"reason"},
		),
	}
}
