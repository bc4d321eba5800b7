package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/n8n-work/taskcore/internal/models"
)

// CurrentTaskState implements statemachine.TaskStore.
func (r *Repository) CurrentTaskState(ctx context.Context, taskID string) (models.TaskStatus, bool, error) {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1`, taskID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repo: loading task state: %w", err)
	}
	return models.TaskStatus(status), true, nil
}

// AnyStepNonTerminal implements statemachine.TaskStore.
func (r *Repository) AnyStepNonTerminal(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM workflow_steps
		WHERE task_id = $1 AND status IN ('PENDING', 'IN_PROGRESS', 'ERROR')
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("repo: checking non-terminal steps: %w", err)
	}
	return count > 0, nil
}

// CommitTaskTransition implements statemachine.TaskStore: one
// transaction flips prior most_recent rows, inserts the new transition
// with the next sort_key, and updates Task.status.
func (r *Repository) CommitTaskTransition(ctx context.Context, taskID string, to models.TaskStatus, metadata models.JSONMap) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin task transition tx: %w", err)
	}
	defer tx.Rollback()

	// SELECT ... FOR UPDATE serializes concurrent transitions of the
	// same task so sort_key stays monotone even under racing workers.
	if _, err := tx.ExecContext(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, taskID); err != nil {
		return fmt.Errorf("repo: locking task row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_transitions SET most_recent = false WHERE task_id = $1 AND most_recent = true
	`, taskID); err != nil {
		return fmt.Errorf("repo: clearing prior most_recent: %w", err)
	}

	if metadata == nil {
		metadata = models.JSONMap{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (id, task_id, to_state, sort_key, most_recent, metadata, created_at)
		VALUES (
			gen_random_uuid(), $1, $2,
			COALESCE((SELECT MAX(sort_key) FROM task_transitions WHERE task_id = $1), 0) + 1,
			true, $3, now()
		)
	`, taskID, string(to), metadata); err != nil {
		return fmt.Errorf("repo: inserting task transition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, taskID, string(to)); err != nil {
		return fmt.Errorf("repo: updating task status: %w", err)
	}

	return tx.Commit()
}

// CurrentStepState implements statemachine.StepStore.
func (r *Repository) CurrentStepState(ctx context.Context, stepID string) (models.StepStatus, bool, error) {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM workflow_steps WHERE workflow_step_id = $1`, stepID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repo: loading step state: %w", err)
	}
	return models.StepStatus(status), true, nil
}

// DependenciesSatisfied implements statemachine.StepStore: every parent
// of stepID must be in a terminal-success state.
func (r *Repository) DependenciesSatisfied(ctx context.Context, stepID string) (bool, error) {
	var unsatisfied int
	err := r.db.GetContext(ctx, &unsatisfied, `
		SELECT COUNT(*)
		FROM workflow_step_edges e
		JOIN workflow_steps parent ON parent.workflow_step_id = e.from_step_id
		WHERE e.to_step_id = $1
		  AND parent.status NOT IN ('COMPLETE', 'RESOLVED_MANUALLY')
	`, stepID)
	if err != nil {
		return false, fmt.Errorf("repo: checking dependency satisfaction: %w", err)
	}
	return unsatisfied == 0, nil
}

// CommitStepTransition implements statemachine.StepStore, mirroring
// CommitTaskTransition for workflow_step_transitions.
func (r *Repository) CommitStepTransition(ctx context.Context, stepID string, to models.StepStatus, metadata models.JSONMap) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin step transition tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT workflow_step_id FROM workflow_steps WHERE workflow_step_id = $1 FOR UPDATE`, stepID); err != nil {
		return fmt.Errorf("repo: locking step row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_step_transitions SET most_recent = false WHERE workflow_step_id = $1 AND most_recent = true
	`, stepID); err != nil {
		return fmt.Errorf("repo: clearing prior most_recent: %w", err)
	}

	if metadata == nil {
		metadata = models.JSONMap{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_step_transitions (id, workflow_step_id, to_state, sort_key, most_recent, metadata, created_at)
		VALUES (
			gen_random_uuid(), $1, $2,
			COALESCE((SELECT MAX(sort_key) FROM workflow_step_transitions WHERE workflow_step_id = $1), 0) + 1,
			true, $3, now()
		)
	`, stepID, string(to), metadata); err != nil {
		return fmt.Errorf("repo: inserting step transition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET status = $2, updated_at = now() WHERE workflow_step_id = $1`, stepID, string(to)); err != nil {
		return fmt.Errorf("repo: updating step status: %w", err)
	}

	return tx.Commit()
}
