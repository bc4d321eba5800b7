package readiness

import (
	"database/sql"
	"testing"
	"time"

	"github.com/n8n-work/taskcore/internal/models"
)

func TestClassifyStepReadinessReadyWhenPendingNoDepsNoRetryBaggage(t *testing.T) {
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepPending),
		RetryLimit: 3, Retryable: true,
	}
	got := classifyStepReadiness(row, time.Now())

	if !got.ReadyForExecution {
		t.Errorf("expected ReadyForExecution true, got %+v", got)
	}
	if got.BlockingReason != BlockingReasonNone {
		t.Errorf("expected no blocking reason, got %q", got.BlockingReason)
	}
	if got.DependencyStatus != string(DependencyStatusNone) {
		t.Errorf("expected no_dependencies, got %q", got.DependencyStatus)
	}
}

func TestClassifyStepReadinessBlockedByUnsatisfiedDependencies(t *testing.T) {
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepPending),
		RetryLimit: 3, Retryable: true,
		ParentCount: 2, SatisfiedCount: 1,
	}
	got := classifyStepReadiness(row, time.Now())

	if got.ReadyForExecution {
		t.Error("expected ReadyForExecution false with an unsatisfied parent")
	}
	if got.BlockingReason != BlockingReasonDependenciesNotSatisfied {
		t.Errorf("expected dependencies_not_satisfied, got %q", got.BlockingReason)
	}
	if got.DependencyStatus != "waiting_on_1" {
		t.Errorf("expected waiting_on_1, got %q", got.DependencyStatus)
	}
}

func TestClassifyStepReadinessMaxRetriesReached(t *testing.T) {
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepError),
		Attempts: 3, RetryLimit: 3, Retryable: true,
	}
	got := classifyStepReadiness(row, time.Now())

	if got.ReadyForExecution {
		t.Error("expected ReadyForExecution false once attempts >= retry_limit")
	}
	if got.RetryStatus != RetryStatusMaxRetriesReached {
		t.Errorf("expected max_retries_reached, got %q", got.RetryStatus)
	}
	if got.BlockingReason != BlockingReasonRetryNotEligible {
		t.Errorf("expected retry_not_eligible, got %q", got.BlockingReason)
	}
}

func TestClassifyStepReadinessInBackoffBeforeNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(30 * time.Second)
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepError),
		Attempts: 1, RetryLimit: 3, Retryable: true,
		NextRetryAt: sql.NullTime{Time: future, Valid: true},
	}
	got := classifyStepReadiness(row, now)

	if got.ReadyForExecution {
		t.Error("expected ReadyForExecution false while still in backoff")
	}
	if got.RetryStatus != RetryStatusInBackoff {
		t.Errorf("expected in_backoff, got %q", got.RetryStatus)
	}
	if got.TimeUntilReady == nil || *got.TimeUntilReady != 30 {
		t.Errorf("expected TimeUntilReady=30s, got %v", got.TimeUntilReady)
	}
}

func TestClassifyStepReadinessRetryEligibleAfterNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	past := now.Add(-1 * time.Second)
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepError),
		Attempts: 1, RetryLimit: 3, Retryable: true,
		NextRetryAt: sql.NullTime{Time: past, Valid: true},
	}
	got := classifyStepReadiness(row, now)

	if !got.ReadyForExecution {
		t.Error("expected ReadyForExecution true once next_retry_at has passed")
	}
	if got.RetryStatus != RetryStatusRetryEligible {
		t.Errorf("expected retry_eligible, got %q", got.RetryStatus)
	}
}

func TestClassifyStepReadinessNonRetryableFailureIsRetryNotEligible(t *testing.T) {
	row := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepError),
		Attempts: 1, RetryLimit: 3, Retryable: false,
	}
	got := classifyStepReadiness(row, time.Now())

	if got.RetryStatus != RetryStatusMaxRetriesReached {
		t.Errorf("expected max_retries_reached for a non-retryable failure, got %q", got.RetryStatus)
	}
	if got.BlockingReason != BlockingReasonRetryNotEligible {
		t.Errorf("expected retry_not_eligible, got %q", got.BlockingReason)
	}
}

func TestClassifyStepReadinessTerminalStateIsInvalidState(t *testing.T) {
	row := stepReadinessRow{WorkflowStepID: "s1", CurrentState: string(models.StepComplete)}
	got := classifyStepReadiness(row, time.Now())

	if got.ReadyForExecution {
		t.Error("expected ReadyForExecution false for a terminal step")
	}
	if got.BlockingReason != BlockingReasonInvalidState {
		t.Errorf("expected invalid_state, got %q", got.BlockingReason)
	}
	if got.RetryStatus != RetryStatusNoRetriesNeeded {
		t.Errorf("expected no_retries_needed, got %q", got.RetryStatus)
	}
}

func TestClassifyStepReadinessProcessedOrInProcessIsNotReady(t *testing.T) {
	base := stepReadinessRow{
		WorkflowStepID: "s1", CurrentState: string(models.StepPending),
		RetryLimit: 3, Retryable: true,
	}

	processed := base
	processed.Processed = true
	if classifyStepReadiness(processed, time.Now()).ReadyForExecution {
		t.Error("expected ReadyForExecution false when already processed")
	}

	inProcess := base
	inProcess.InProcess = true
	if classifyStepReadiness(inProcess, time.Now()).ReadyForExecution {
		t.Error("expected ReadyForExecution false when already in_process")
	}
}

// --- aggregateExecutionContext: the critical blocked_by_failures rule ---

func mustBeReady(stepID string) StepReadiness {
	return StepReadiness{WorkflowStepID: stepID, CurrentState: models.StepPending, ReadyForExecution: true}
}

func TestAggregateExecutionContextBlockedOnlyWhenPermanentlyBlocked(t *testing.T) {
	steps := []StepReadiness{
		{WorkflowStepID: "a", CurrentState: models.StepError, RetryStatus: RetryStatusInBackoff},
		{WorkflowStepID: "b", CurrentState: models.StepPending},
	}
	ctx := aggregateExecutionContext("t1", steps)

	if ctx.ExecutionStatus == ExecutionStatusBlockedByFailures {
		t.Errorf("expected NOT blocked_by_failures while failures remain retry-eligible, got %+v", ctx)
	}
	if ctx.PermanentlyBlockedSteps != 0 {
		t.Errorf("expected 0 permanently blocked steps, got %d", ctx.PermanentlyBlockedSteps)
	}
}

func TestAggregateExecutionContextBlockedByFailuresRequiresPermanentBlock(t *testing.T) {
	steps := []StepReadiness{
		{WorkflowStepID: "a", CurrentState: models.StepError, RetryStatus: RetryStatusMaxRetriesReached},
		{WorkflowStepID: "b", CurrentState: models.StepComplete},
	}
	ctx := aggregateExecutionContext("t1", steps)

	if ctx.ExecutionStatus != ExecutionStatusBlockedByFailures {
		t.Errorf("expected blocked_by_failures, got %q", ctx.ExecutionStatus)
	}
	if ctx.HealthStatus != HealthStatusCritical {
		t.Errorf("expected critical health status, got %q", ctx.HealthStatus)
	}
}

func TestAggregateExecutionContextAllComplete(t *testing.T) {
	steps := []StepReadiness{
		{WorkflowStepID: "a", CurrentState: models.StepComplete},
		{WorkflowStepID: "b", CurrentState: models.StepResolvedManually},
	}
	ctx := aggregateExecutionContext("t1", steps)

	if ctx.ExecutionStatus != ExecutionStatusAllComplete {
		t.Errorf("expected all_complete, got %q", ctx.ExecutionStatus)
	}
	if ctx.CompletionPercentage != 100 {
		t.Errorf("expected 100%% completion, got %v", ctx.CompletionPercentage)
	}
}

func TestAggregateExecutionContextHasReadySteps(t *testing.T) {
	steps := []StepReadiness{mustBeReady("a"), {WorkflowStepID: "b", CurrentState: models.StepInProgress}}
	ctx := aggregateExecutionContext("t1", steps)

	if ctx.ExecutionStatus != ExecutionStatusHasReadySteps {
		t.Errorf("expected has_ready_steps, got %q", ctx.ExecutionStatus)
	}
}

func TestAggregateExecutionContextWaitingForDependencies(t *testing.T) {
	steps := []StepReadiness{
		{WorkflowStepID: "a", CurrentState: models.StepPending, ReadyForExecution: false},
	}
	ctx := aggregateExecutionContext("t1", steps)

	if ctx.ExecutionStatus != ExecutionStatusWaitingForDependencies {
		t.Errorf("expected waiting_for_dependencies, got %q", ctx.ExecutionStatus)
	}
}
