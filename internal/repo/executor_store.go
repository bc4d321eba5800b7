package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/n8n-work/taskcore/internal/models"
)

// BeginStepAttempt implements executor.StepRecorder: marks a step
// in_process and bumps its attempt counter before a handler runs.
func (r *Repository) BeginStepAttempt(ctx context.Context, stepID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET in_process = true, attempts = attempts + 1, last_attempted_at = now(), updated_at = now()
		WHERE workflow_step_id = $1
	`, stepID)
	if err != nil {
		return fmt.Errorf("repo: beginning step attempt: %w", err)
	}
	return nil
}

// CompleteStepAttempt implements executor.StepRecorder: records a
// successful handler result.
func (r *Repository) CompleteStepAttempt(ctx context.Context, stepID string, results models.JSONMap) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET in_process = false, processed = true, processed_at = now(), results = $2, updated_at = now()
		WHERE workflow_step_id = $1
	`, stepID, results)
	if err != nil {
		return fmt.Errorf("repo: completing step attempt: %w", err)
	}
	return nil
}

// FailStepAttempt implements executor.StepRecorder: records a failed
// handler result, optionally scheduling a retry at nextRetryAt.
func (r *Repository) FailStepAttempt(ctx context.Context, stepID string, nextRetryAt *time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET in_process = false, next_retry_at = $2, updated_at = now(),
		    results = COALESCE(results, '{}'::jsonb) || jsonb_build_object('last_error', $3::text)
		WHERE workflow_step_id = $1
	`, stepID, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("repo: failing step attempt: %w", err)
	}
	return nil
}

// ClearInProcess implements executor.StepRecorder: the GC hook path for
// a step abandoned by a batch timeout. Does not touch attempts, since
// the handler's outcome is unknown, not failed.
func (r *Repository) ClearInProcess(ctx context.Context, stepID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_steps SET in_process = false, updated_at = now() WHERE workflow_step_id = $1
	`, stepID)
	if err != nil {
		return fmt.Errorf("repo: clearing in_process: %w", err)
	}
	return nil
}
