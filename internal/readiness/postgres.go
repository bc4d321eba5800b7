package readiness

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

// errInfra is the wrap target for infrastructure failures surfaced by
// the Functions implementation, per coreerrors.ErrInfrastructure.
var errInfra = coreerrors.ErrInfrastructure

// Postgres implements Functions as parameterized SQL/CTEs against the
// schema in internal/repo/schema, grounded on the query shape of
// internal/repo/repository.go (sqlx.Get/Select over named + positional
// queries) but generalized from simple CRUD into the aggregate
// computations spec.md §4.2 requires.
type Postgres struct {
	db       *sqlx.DB
	maxConns int
	clock    func() time.Time
}

// NewPostgres constructs a Postgres-backed Functions implementation.
// maxConns is the configured pool ceiling (database.max_open_conns);
// active connections are read from the pool's own runtime stats rather
// than a server-wide query, since concurrency sizing only cares about
// this process's headroom.
func NewPostgres(db *sqlx.DB, maxConns int) *Postgres {
	return &Postgres{db: db, maxConns: maxConns, clock: time.Now}
}

type stepReadinessRow struct {
	WorkflowStepID  string         `db:"workflow_step_id"`
	Name            string         `db:"named_step"`
	TaskID          string         `db:"task_id"`
	CurrentState    string         `db:"status"`
	Attempts        int            `db:"attempts"`
	RetryLimit      int            `db:"retry_limit"`
	Retryable       bool           `db:"retryable"`
	Processed       bool           `db:"processed"`
	InProcess       bool           `db:"in_process"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`
	ParentCount     int            `db:"parent_count"`
	SatisfiedCount  int            `db:"satisfied_parent_count"`
}

// stepReadinessQuery computes, per step of a task, how many parents it
// has and how many of those parents are in a terminal-success state. The
// rest of StepReadiness's derived fields are computed in Go from these
// raw counts so the classification logic (retry_status,
// dependency_status, blocking_reason) lives in one place and is unit
// testable without a live database.
const stepReadinessQuery = `
WITH parent_counts AS (
	SELECT e.to_step_id AS workflow_step_id, COUNT(*) AS parent_count
	FROM workflow_step_edges e
	JOIN workflow_steps s ON s.workflow_step_id = e.to_step_id
	WHERE s.task_id = $1
	GROUP BY e.to_step_id
),
satisfied_counts AS (
	SELECT e.to_step_id AS workflow_step_id, COUNT(*) AS satisfied_parent_count
	FROM workflow_step_edges e
	JOIN workflow_steps parent ON parent.workflow_step_id = e.from_step_id
	JOIN workflow_steps s ON s.workflow_step_id = e.to_step_id
	WHERE s.task_id = $1
	  AND parent.status IN ('COMPLETE', 'RESOLVED_MANUALLY')
	GROUP BY e.to_step_id
)
SELECT
	s.workflow_step_id,
	s.named_step,
	s.task_id,
	s.status,
	s.attempts,
	s.retry_limit,
	s.retryable,
	s.processed,
	s.in_process,
	s.next_retry_at,
	COALESCE(pc.parent_count, 0) AS parent_count,
	COALESCE(sc.satisfied_parent_count, 0) AS satisfied_parent_count
FROM workflow_steps s
LEFT JOIN parent_counts pc ON pc.workflow_step_id = s.workflow_step_id
LEFT JOIN satisfied_counts sc ON sc.workflow_step_id = s.workflow_step_id
WHERE s.task_id = $1
ORDER BY s.workflow_step_id
`

// StepReadiness computes the per-step readiness records for a task.
func (p *Postgres) StepReadiness(ctx context.Context, taskID string) ([]StepReadiness, error) {
	var rows []stepReadinessRow
	if err := p.db.SelectContext(ctx, &rows, stepReadinessQuery, taskID); err != nil {
		return nil, fmt.Errorf("readiness: query step readiness: %w", err)
	}

	now := p.clock()
	out := make([]StepReadiness, 0, len(rows))
	for _, r := range rows {
		out = append(out, classifyStepReadiness(r, now))
	}
	return out, nil
}

// classifyStepReadiness is the pure function translating raw DB counts
// into spec.md §4.2's derived fields. Kept separate from the SQL so the
// "critical rule" classification logic has dedicated unit tests that
// don't require a database.
func classifyStepReadiness(r stepReadinessRow, now time.Time) StepReadiness {
	state := models.StepStatus(r.CurrentState)
	depsSatisfied := r.ParentCount == 0 || r.SatisfiedCount >= r.ParentCount

	var nextRetryAt *time.Time
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		nextRetryAt = &t
	}

	retryEligible := r.Retryable && r.Attempts < r.RetryLimit
	if retryEligible && nextRetryAt != nil && now.Before(*nextRetryAt) {
		retryEligible = false
	}

	readyState := state == models.StepPending || state == models.StepError
	readyForExecution := readyState && depsSatisfied && retryEligible && !r.Processed && !r.InProcess

	var retryStatus RetryStatus
	switch {
	case state != models.StepError:
		retryStatus = RetryStatusNoRetriesNeeded
	case !r.Retryable || r.Attempts >= r.RetryLimit:
		retryStatus = RetryStatusMaxRetriesReached
	case nextRetryAt != nil && now.Before(*nextRetryAt):
		retryStatus = RetryStatusInBackoff
	default:
		retryStatus = RetryStatusRetryEligible
	}

	var depStatus string
	switch {
	case r.ParentCount == 0:
		depStatus = string(DependencyStatusNone)
	case depsSatisfied:
		depStatus = string(DependencyStatusAllSatisfied)
	default:
		waiting := r.ParentCount - r.SatisfiedCount
		depStatus = fmt.Sprintf("%s%d", DependencyStatusWaitingOnPrefix, waiting)
	}

	var blockingReason BlockingReason
	switch {
	case readyForExecution:
		blockingReason = BlockingReasonNone
	case !readyState:
		blockingReason = BlockingReasonInvalidState
	case !depsSatisfied:
		blockingReason = BlockingReasonDependenciesNotSatisfied
	case !retryEligible:
		blockingReason = BlockingReasonRetryNotEligible
	default:
		blockingReason = BlockingReasonUnknown
	}

	var timeUntilReady *float64
	if nextRetryAt != nil {
		secs := nextRetryAt.Sub(now).Seconds()
		if secs < 0 {
			secs = 0
		}
		timeUntilReady = &secs
	}

	return StepReadiness{
		WorkflowStepID:        r.WorkflowStepID,
		Name:                  r.Name,
		TaskID:                r.TaskID,
		CurrentState:          state,
		Attempts:              r.Attempts,
		RetryLimit:            r.RetryLimit,
		Retryable:             r.Retryable,
		DependenciesSatisfied: depsSatisfied,
		RetryEligible:         retryEligible,
		ReadyForExecution:     readyForExecution,
		RetryStatus:           retryStatus,
		DependencyStatus:      depStatus,
		BlockingReason:        blockingReason,
		TimeUntilReady:        timeUntilReady,
		NextRetryAt:           nextRetryAt,
	}
}

// TaskExecutionContext aggregates StepReadiness into the per-task
// summary. The critical rule (spec.md §4.2) is enforced here: a task is
// only blocked_by_failures when at least one step is *permanently*
// blocked; retry-eligible failures, even mid-backoff, count toward
// waiting_for_dependencies so the coordinator keeps retrying.
func (p *Postgres) TaskExecutionContext(ctx context.Context, taskID string) (TaskExecutionContext, error) {
	steps, err := p.StepReadiness(ctx, taskID)
	if err != nil {
		return TaskExecutionContext{}, err
	}
	return aggregateExecutionContext(taskID, steps), nil
}

func aggregateExecutionContext(taskID string, steps []StepReadiness) TaskExecutionContext {
	ctx := TaskExecutionContext{TaskID: taskID, TotalSteps: len(steps)}

	for _, s := range steps {
		switch s.CurrentState {
		case models.StepPending:
			ctx.PendingSteps++
		case models.StepInProgress:
			ctx.InProgressSteps++
		case models.StepComplete, models.StepResolvedManually:
			ctx.CompleteSteps++
		case models.StepError:
			ctx.FailedSteps++
			if s.RetryStatus == RetryStatusMaxRetriesReached {
				ctx.PermanentlyBlockedSteps++
			} else {
				ctx.RetryEligibleFailedSteps++
			}
		}
		if s.ReadyForExecution {
			ctx.ReadySteps++
		}
	}

	switch {
	case ctx.TotalSteps == 0 || ctx.CompleteSteps == ctx.TotalSteps:
		ctx.ExecutionStatus = ExecutionStatusAllComplete
	case ctx.PermanentlyBlockedSteps > 0:
		ctx.ExecutionStatus = ExecutionStatusBlockedByFailures
	case ctx.ReadySteps > 0:
		ctx.ExecutionStatus = ExecutionStatusHasReadySteps
	case ctx.InProgressSteps > 0:
		ctx.ExecutionStatus = ExecutionStatusProcessing
	default:
		ctx.ExecutionStatus = ExecutionStatusWaitingForDependencies
	}

	switch {
	case ctx.PermanentlyBlockedSteps > 0:
		ctx.HealthStatus = HealthStatusCritical
	case ctx.RetryEligibleFailedSteps > 0:
		ctx.HealthStatus = HealthStatusWarning
	default:
		ctx.HealthStatus = HealthStatusHealthy
	}

	if ctx.TotalSteps > 0 {
		ctx.CompletionPercentage = float64(ctx.CompleteSteps) / float64(ctx.TotalSteps) * 100
	}

	return ctx
}

// DependencyLevels returns each step's topological depth (root steps at
// level 0), computed with a recursive CTE.
const dependencyLevelsQuery = `
WITH RECURSIVE levels AS (
	SELECT s.workflow_step_id, 0 AS level
	FROM workflow_steps s
	WHERE s.task_id = $1
	  AND NOT EXISTS (
		SELECT 1 FROM workflow_step_edges e WHERE e.to_step_id = s.workflow_step_id
	  )
	UNION ALL
	SELECT e.to_step_id, l.level + 1
	FROM workflow_step_edges e
	JOIN levels l ON l.workflow_step_id = e.from_step_id
)
SELECT workflow_step_id, MAX(level) AS level
FROM levels
GROUP BY workflow_step_id
`

func (p *Postgres) DependencyLevels(ctx context.Context, taskID string) (map[string]int, error) {
	rows, err := p.db.QueryxContext(ctx, dependencyLevelsQuery, taskID)
	if err != nil {
		return nil, fmt.Errorf("readiness: query dependency levels: %w", err)
	}
	defer rows.Close()

	levels := make(map[string]int)
	for rows.Next() {
		var id string
		var level int
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("readiness: scan dependency level: %w", err)
		}
		levels[id] = level
	}
	return levels, rows.Err()
}

// systemHealthQuery counts tasks/steps by status and retry-eligibility
// process-wide, driving the executor's dynamic concurrency sizing.
const systemHealthQuery = `
SELECT status, COUNT(*) AS n FROM tasks GROUP BY status
`

const stepHealthQuery = `
SELECT status, COUNT(*) AS n FROM workflow_steps GROUP BY status
`

const retryBucketsQuery = `
SELECT
	COUNT(*) FILTER (WHERE status = 'ERROR' AND retryable AND attempts < retry_limit) AS retry_eligible,
	COUNT(*) FILTER (WHERE status = 'ERROR' AND (NOT retryable OR attempts >= retry_limit)) AS permanently_blocked
FROM workflow_steps
`

func (p *Postgres) SystemHealth(ctx context.Context) (SystemHealth, error) {
	health := SystemHealth{
		TasksByState: make(map[models.TaskStatus]int),
		StepsByState: make(map[models.StepStatus]int),
		MaxConnections: p.maxConns,
	}

	taskRows, err := p.db.QueryxContext(ctx, systemHealthQuery)
	if err != nil {
		return SystemHealth{}, fmt.Errorf("%w: %v", errInfra, err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var status string
		var n int
		if err := taskRows.Scan(&status, &n); err != nil {
			return SystemHealth{}, fmt.Errorf("%w: %v", errInfra, err)
		}
		health.TasksByState[models.TaskStatus(status)] = n
	}

	stepRows, err := p.db.QueryxContext(ctx, stepHealthQuery)
	if err != nil {
		return SystemHealth{}, fmt.Errorf("%w: %v", errInfra, err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var status string
		var n int
		if err := stepRows.Scan(&status, &n); err != nil {
			return SystemHealth{}, fmt.Errorf("%w: %v", errInfra, err)
		}
		health.StepsByState[models.StepStatus(status)] = n
	}

	row := p.db.QueryRowxContext(ctx, retryBucketsQuery)
	if err := row.Scan(&health.RetryEligibleSteps, &health.PermanentlyBlockedSteps); err != nil {
		return SystemHealth{}, fmt.Errorf("%w: %v", errInfra, err)
	}

	stats := p.db.Stats()
	health.ActiveConnections = stats.InUse
	if health.MaxConnections == 0 {
		health.MaxConnections = stats.MaxOpenConnections
	}

	return health, nil
}
