package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the workflow core,
// generalized from the teacher's gRPC/workflow-execution metric set
// (internal/observability/metrics.go) into the task/step/batch
// vocabulary of spec.md §4.1-§4.4.
type Metrics struct {
	// State machine metrics
	TaskTransitionsTotal *prometheus.CounterVec
	StepTransitionsTotal *prometheus.CounterVec
	GuardFailuresTotal   *prometheus.CounterVec

	// Coordinator/executor metrics
	CoordinatorPassesTotal *prometheus.CounterVec
	BatchDuration          *prometheus.HistogramVec
	BatchSize              *prometheus.HistogramVec
	ConcurrencyLevel       *prometheus.GaugeVec
	StepExecutionsTotal    *prometheus.CounterVec
	StepExecutionDuration  *prometheus.HistogramVec
	ActiveStepExecutions   prometheus.Gauge

	// Retry/backoff metrics
	RetriesScheduledTotal  *prometheus.CounterVec
	PermanentFailuresTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth            *prometheus.GaugeVec
	MessageProcessingRate *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec
	CacheHitsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns the Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_task_transitions_total",
				Help: "Total number of task state transitions",
			},
			[]string{"event", "to_state"},
		),

		StepTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_step_transitions_total",
				Help: "Total number of step state transitions",
			},
			[]string{"event", "to_state"},
		),

		GuardFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_guard_failures_total",
				Help: "Total number of rejected state machine transitions",
			},
			[]string{"entity"},
		),

		CoordinatorPassesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_coordinator_passes_total",
				Help: "Total number of coordinator outer-loop passes",
			},
			[]string{"outcome"},
		),

		BatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskcore_batch_duration_seconds",
				Help:    "Duration of step executor batches",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		BatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskcore_batch_size",
				Help:    "Number of steps dispatched per executor batch",
				Buckets: []float64{1, 2, 3, 5, 8, 12, 20},
			},
			[]string{},
		),

		ConcurrencyLevel: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskcore_executor_concurrency",
				Help: "Current dynamic concurrency limit",
			},
			[]string{},
		),

		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_step_executions_total",
				Help: "Total number of step handler invocations",
			},
			[]string{"named_step", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskcore_step_execution_duration_seconds",
				Help:    "Duration of individual step handler invocations",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"named_step"},
		),

		ActiveStepExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskcore_active_step_executions",
				Help: "Number of steps currently executing",
			},
		),

		RetriesScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_retries_scheduled_total",
				Help: "Total number of retries scheduled with a backoff delay",
			},
			[]string{"named_step"},
		),

		PermanentFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_permanent_failures_total",
				Help: "Total number of steps exhausting their retry budget",
			},
			[]string{"named_step"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskcore_queue_depth",
				Help: "Number of messages in queue",
			},
			[]string{"queue_name"},
		),

		MessageProcessingRate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_messages_processed_total",
				Help: "Total number of queue messages processed",
			},
			[]string{"queue_name", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_errors_total",
				Help: "Total number of errors by component",
			},
			[]string{"component", "error_type"},
		),

		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskcore_database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "in_use", "idle", "open"
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcore_cache_hits_total",
				Help: "Total number of readiness cache lookups by outcome",
			},
			[]string{"outcome"}, // "hit", "miss"
		),
	}
}

func (m *Metrics) RecordTaskTransition(event, toState string) {
	m.TaskTransitionsTotal.WithLabelValues(event, toState).Inc()
}

func (m *Metrics) RecordStepTransition(event, toState string) {
	m.StepTransitionsTotal.WithLabelValues(event, toState).Inc()
}

func (m *Metrics) RecordGuardFailure(entity string) {
	m.GuardFailuresTotal.WithLabelValues(entity).Inc()
}

func (m *Metrics) RecordCoordinatorPass(outcome string) {
	m.CoordinatorPassesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBatch(outcome string, durationSeconds float64, size int) {
	m.BatchDuration.WithLabelValues(outcome).Observe(durationSeconds)
	m.BatchSize.WithLabelValues().Observe(float64(size))
}

func (m *Metrics) SetConcurrencyLevel(n int) {
	m.ConcurrencyLevel.WithLabelValues().Set(float64(n))
}

func (m *Metrics) RecordStepExecution(namedStep, status string, durationSeconds float64) {
	m.StepExecutionsTotal.WithLabelValues(namedStep, status).Inc()
	m.StepExecutionDuration.WithLabelValues(namedStep).Observe(durationSeconds)
}

func (m *Metrics) RecordRetryScheduled(namedStep string) {
	m.RetriesScheduledTotal.WithLabelValues(namedStep).Inc()
}

func (m *Metrics) RecordPermanentFailure(namedStep string) {
	m.PermanentFailuresTotal.WithLabelValues(namedStep).Inc()
}

func (m *Metrics) SetQueueDepth(queueName string, depth float64) {
	m.QueueDepth.WithLabelValues(queueName).Set(depth)
}

func (m *Metrics) RecordMessageProcessed(queueName, status string) {
	m.MessageProcessingRate.WithLabelValues(queueName, status).Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.CacheHitsTotal.WithLabelValues("miss").Inc()
}
