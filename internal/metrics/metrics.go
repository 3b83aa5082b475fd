// Package metrics owns every Prometheus collector in the process. One
// Metrics value is created at startup and shared by all subsystems; all
// observation methods are safe for concurrent use.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	StateValueClosed   = 0
	StateValueHalfOpen = 1
	StateValueOpen     = 2
)

// Metrics holds all Prometheus collectors for the orchestration core.
type Metrics struct {
	registry *prometheus.Registry

	// Resilient RPC client
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	RPCRetries  *prometheus.CounterVec

	// Sandbox executions keep a language dimension the generic RPC
	// counters do not carry.
	SandboxExecutions *prometheus.CounterVec

	// Circuit breakers
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BreakerRejections  *prometheus.CounterVec

	// Streaming storage pipeline
	StreamQueueDepth     *prometheus.GaugeVec
	StreamChunksWritten  *prometheus.CounterVec
	StreamChunksPersist  *prometheus.CounterVec
	StreamChunksFailed   *prometheus.CounterVec
	StreamBytesPersisted *prometheus.CounterVec
	StreamBackpressure   *prometheus.CounterVec
	StreamBatchDuration  *prometheus.HistogramVec
	StreamDLQDepth       *prometheus.GaugeVec
	StreamDLQExhausted   *prometheus.CounterVec
	StreamSkippedTenant  *prometheus.CounterVec

	// Pattern learning store
	PatternLookups  *prometheus.CounterVec
	PatternLearned  *prometheus.CounterVec
	PatternPruned   *prometheus.CounterVec
	PatternsHeld    prometheus.Gauge
	ConsumerErrors  *prometheus.CounterVec
	ConsumerLagSecs prometheus.Gauge

	// Workflow planner / executor
	WorkflowPlans      *prometheus.CounterVec
	WorkflowRuns       *prometheus.CounterVec
	WorkflowDuration   *prometheus.HistogramVec
	WorkflowSteps      *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	ParallelEfficiency prometheus.Histogram
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_rpc_requests_total",
				Help: "Downstream RPC attempts by final outcome",
			},
			[]string{"downstream", "operation", "outcome"}, // outcome: success, validation, unavailable, transient, permanent, cancelled
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mage_rpc_request_duration_seconds",
				Help:    "Wall-clock duration of downstream RPC calls including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"downstream", "operation"},
		),
		RPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_rpc_retries_total",
				Help: "Retry attempts issued after a transient failure",
			},
			[]string{"downstream", "operation"},
		),

		SandboxExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_sandbox_executions_total",
				Help: "Sandbox code executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mage_breaker_state",
				Help: "Current breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_breaker_rejections_total",
				Help: "Calls denied admission because the breaker was open",
			},
			[]string{"breaker"},
		),

		StreamQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mage_stream_queue_depth",
				Help: "Chunks buffered between producer and consumer",
			},
			[]string{"domain"},
		),
		StreamChunksWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_chunks_written_total",
				Help: "Chunks accepted by pipeline producers",
			},
			[]string{"domain"},
		),
		StreamChunksPersist: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_chunks_persisted_total",
				Help: "Chunks durably written to the knowledge store",
			},
			[]string{"domain"},
		),
		StreamChunksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_chunks_failed_total",
				Help: "Chunks that failed persistence and were routed to the DLQ",
			},
			[]string{"domain"},
		),
		StreamBytesPersisted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_bytes_persisted_total",
				Help: "Content bytes durably written",
			},
			[]string{"domain"},
		),
		StreamBackpressure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_backpressure_waits_total",
				Help: "Producer writes that blocked on a full queue",
			},
			[]string{"domain"},
		),
		StreamBatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mage_stream_batch_persist_duration_seconds",
				Help:    "Latency of batch persistence to the knowledge store",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"domain"},
		),
		StreamDLQDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mage_stream_dlq_depth",
				Help: "Entries currently held in the dead-letter queue",
			},
			[]string{"domain"},
		),
		StreamDLQExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_dlq_exhausted_total",
				Help: "DLQ entries dropped permanently (retry budget spent, overflow or close)",
			},
			[]string{"domain"},
		),
		StreamSkippedTenant: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_stream_persistence_skipped_total",
				Help: "Chunks drained without persistence because the stream had no tenant",
			},
			[]string{"domain"},
		),

		PatternLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_pattern_lookups_total",
				Help: "Pattern lookups by decision point and result",
			},
			[]string{"decision_point", "result"}, // result: hit, miss, below_threshold
		),
		PatternLearned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_pattern_updates_total",
				Help: "Pattern creations and reinforcement updates",
			},
			[]string{"decision_point", "outcome"}, // outcome: success, failure
		),
		PatternPruned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_pattern_pruned_total",
				Help: "Patterns deleted for sustained failure rate",
			},
			[]string{"decision_point"},
		),
		PatternsHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mage_patterns_held",
				Help: "Patterns currently cached in memory",
			},
		),
		ConsumerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_outcome_consumer_errors_total",
				Help: "Outcome stream consumer errors by stage",
			},
			[]string{"stage"}, // stage: read, parse, learn
		),
		ConsumerLagSecs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mage_outcome_consumer_lag_seconds",
				Help: "Seconds since the consumer last processed an entry",
			},
		),

		WorkflowPlans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_workflow_plans_total",
				Help: "Workflow planning attempts by result",
			},
			[]string{"status"}, // status: planned, invalid, llm_error
		),
		WorkflowRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_workflow_runs_total",
				Help: "Workflow executions by final outcome",
			},
			[]string{"outcome"}, // outcome: completed, failed, degraded
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mage_workflow_duration_seconds",
				Help:    "Wall-clock duration of workflow execution",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		WorkflowSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mage_workflow_steps_total",
				Help: "Workflow step executions by service and final status",
			},
			[]string{"service", "status"}, // status: completed, failed, skipped
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mage_workflow_step_duration_seconds",
				Help:    "Duration of individual workflow steps",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service"},
		),
		ParallelEfficiency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mage_workflow_parallel_efficiency",
				Help:    "sum(step durations) / wall clock, capped at 1",
				Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
			},
		),
	}
}

// Handler serves the text exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRPC records one completed RPC (after all retries) with its outcome.
func (m *Metrics) RecordRPC(downstream, operation, outcome string, seconds float64) {
	m.RPCRequests.WithLabelValues(downstream, operation, outcome).Inc()
	m.RPCDuration.WithLabelValues(downstream, operation).Observe(seconds)
}

// RecordRetry counts one retry attempt.
func (m *Metrics) RecordRetry(downstream, operation string) {
	m.RPCRetries.WithLabelValues(downstream, operation).Inc()
}

// RecordSandboxExecution records a sandbox run with its language dimension.
func (m *Metrics) RecordSandboxExecution(language, outcome string) {
	m.SandboxExecutions.WithLabelValues(language, outcome).Inc()
}

// RecordBreakerTransition records a state edge and moves the state gauge.
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, stateValue float64) {
	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.BreakerState.WithLabelValues(breaker).Set(stateValue)
}

// RecordBreakerRejection counts a denied admission.
func (m *Metrics) RecordBreakerRejection(breaker string) {
	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// RecordPatternLookup records a lookup result.
func (m *Metrics) RecordPatternLookup(decisionPoint, result string) {
	m.PatternLookups.WithLabelValues(decisionPoint, result).Inc()
}

// RecordPatternUpdate records a learn event.
func (m *Metrics) RecordPatternUpdate(decisionPoint string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.PatternLearned.WithLabelValues(decisionPoint, outcome).Inc()
}

// RecordWorkflowRun records a finished workflow.
func (m *Metrics) RecordWorkflowRun(outcome string, seconds, efficiency float64) {
	m.WorkflowRuns.WithLabelValues(outcome).Inc()
	m.WorkflowDuration.WithLabelValues(outcome).Observe(seconds)
	m.ParallelEfficiency.Observe(efficiency)
}

// RecordStep records a finished workflow step.
func (m *Metrics) RecordStep(service, status string, seconds float64) {
	m.WorkflowSteps.WithLabelValues(service, status).Inc()
	if status != "skipped" {
		m.StepDuration.WithLabelValues(service).Observe(seconds)
	}
}
