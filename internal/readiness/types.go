// Package readiness implements the pure, DB-evaluated computations of
// spec.md §4.2: for a given DB snapshot, what can run now and why not.
// Two consecutive calls over the same snapshot must return identical
// records (readiness purity, spec.md §8).
package readiness

import (
	"context"
	"time"

	"github.com/n8n-work/taskcore/internal/models"
)

// RetryStatus is the closed set of retry_status values (spec.md §4.2).
type RetryStatus string

const (
	RetryStatusNoRetriesNeeded  RetryStatus = "no_retries_needed"
	RetryStatusRetryEligible    RetryStatus = "retry_eligible"
	RetryStatusInBackoff        RetryStatus = "in_backoff"
	RetryStatusMaxRetriesReached RetryStatus = "max_retries_reached"
)

// DependencyStatus is the closed set of dependency_status values.
type DependencyStatus string

const (
	DependencyStatusNone         DependencyStatus = "no_dependencies"
	DependencyStatusAllSatisfied DependencyStatus = "all_satisfied"
	// DependencyStatusWaitingOnPrefix is formatted as "waiting_on_<n>" at
	// construction time; this constant documents the prefix.
	DependencyStatusWaitingOnPrefix = "waiting_on_"
)

// BlockingReason is the closed set of blocking_reason values.
type BlockingReason string

const (
	BlockingReasonNone                     BlockingReason = ""
	BlockingReasonDependenciesNotSatisfied BlockingReason = "dependencies_not_satisfied"
	BlockingReasonRetryNotEligible         BlockingReason = "retry_not_eligible"
	BlockingReasonInvalidState             BlockingReason = "invalid_state"
	BlockingReasonUnknown                  BlockingReason = "unknown"
)

// ExecutionStatus is the closed set of task execution_status values.
type ExecutionStatus string

const (
	ExecutionStatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	ExecutionStatusProcessing             ExecutionStatus = "processing"
	ExecutionStatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
	ExecutionStatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	ExecutionStatusAllComplete            ExecutionStatus = "all_complete"
)

// HealthStatus is the closed set of task health_status values.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
)

// StepReadiness is the per-step derived readiness record.
type StepReadiness struct {
	WorkflowStepID        string
	Name                  string
	TaskID                string
	CurrentState          models.StepStatus
	Attempts              int
	RetryLimit            int
	Retryable             bool
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	RetryStatus           RetryStatus
	DependencyStatus      string
	BlockingReason        BlockingReason
	TimeUntilReady        *float64 // seconds
	NextRetryAt           *time.Time
}

// TaskExecutionContext is the per-task aggregate of readiness + health.
type TaskExecutionContext struct {
	TaskID                    string
	TotalSteps                int
	PendingSteps              int
	InProgressSteps           int
	CompleteSteps             int
	FailedSteps               int
	ReadySteps                int
	PermanentlyBlockedSteps   int
	RetryEligibleFailedSteps  int
	ExecutionStatus           ExecutionStatus
	HealthStatus              HealthStatus
	CompletionPercentage      float64
}

// SystemHealth is a process-wide snapshot used to size executor
// concurrency (spec.md §4.2, §4.4).
type SystemHealth struct {
	TasksByState          map[models.TaskStatus]int
	StepsByState          map[models.StepStatus]int
	RetryEligibleSteps    int
	PermanentlyBlockedSteps int
	ActiveConnections     int
	MaxConnections        int
}

// AvailableConnections returns the DB pool headroom, floored at zero.
func (h SystemHealth) AvailableConnections() int {
	avail := h.MaxConnections - h.ActiveConnections
	if avail < 0 {
		return 0
	}
	return avail
}

// Functions is the set of pure, DB-evaluated computations consumed by the
// coordinator and executor. Implemented by *Postgres (optionally wrapped
// by *Cached) in production and by in-memory fakes in tests.
type Functions interface {
	StepReadiness(ctx context.Context, taskID string) ([]StepReadiness, error)
	TaskExecutionContext(ctx context.Context, taskID string) (TaskExecutionContext, error)
	SystemHealth(ctx context.Context) (SystemHealth, error)
	DependencyLevels(ctx context.Context, taskID string) (map[string]int, error)
}
