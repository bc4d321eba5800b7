package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/n8n-work/taskcore/internal/models"
)

// LoadSequence implements coordinator.SequenceStore: one task, its
// steps, and its edges in three round trips under no shared lock,
// since callers only ever read it to decide what to do next, never to
// mutate it directly.
func (r *Repository) LoadSequence(ctx context.Context, taskID string) (models.Sequence, error) {
	var task models.Task
	if err := r.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = $1`, taskID); err != nil {
		return models.Sequence{}, fmt.Errorf("repo: loading task: %w", err)
	}

	var steps []models.WorkflowStep
	if err := r.db.SelectContext(ctx, &steps, `SELECT * FROM workflow_steps WHERE task_id = $1 ORDER BY workflow_step_id`, taskID); err != nil {
		return models.Sequence{}, fmt.Errorf("repo: loading steps: %w", err)
	}

	var edges []models.WorkflowStepEdge
	if err := r.db.SelectContext(ctx, &edges, `
		SELECT e.* FROM workflow_step_edges e
		JOIN workflow_steps s ON s.workflow_step_id = e.to_step_id
		WHERE s.task_id = $1
	`, taskID); err != nil {
		return models.Sequence{}, fmt.Errorf("repo: loading edges: %w", err)
	}

	return models.Sequence{Task: task, Steps: steps, Edges: edges}, nil
}

// CreateTask inserts a new Task row along with its WorkflowStep and
// WorkflowStepEdge rows in one transaction, leaving Task.Status unset
// (the caller drives PENDING via statemachine.TaskStateMachine so the
// first transition row is always present).
func (r *Repository) CreateTask(ctx context.Context, task models.Task, steps []models.WorkflowStep, edges []models.WorkflowStepEdge) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin create task tx: %w", err)
	}
	defer tx.Rollback()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO tasks (id, named_task_id, context, reason, initiator, source_system, tags, bypass_steps, requested_at, complete, status, created_at, updated_at)
		VALUES (:id, :named_task_id, :context, :reason, :initiator, :source_system, :tags, :bypass_steps, :requested_at, :complete, :status, now(), now())
	`, task); err != nil {
		return fmt.Errorf("repo: inserting task: %w", err)
	}

	for i := range steps {
		if steps[i].WorkflowStepID == "" {
			steps[i].WorkflowStepID = uuid.NewString()
		}
		steps[i].TaskID = task.ID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_step_id, task_id, named_step, inputs, results, attempts, retry_limit, retryable, processed, in_process, status, created_at, updated_at)
			VALUES (:workflow_step_id, :task_id, :named_step, :inputs, :results, :attempts, :retry_limit, :retryable, :processed, :in_process, :status, now(), now())
		`, steps[i]); err != nil {
			return fmt.Errorf("repo: inserting step: %w", err)
		}
	}

	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_step_edges (from_step_id, to_step_id) VALUES ($1, $2)
		`, e.FromStepID, e.ToStepID); err != nil {
			return fmt.Errorf("repo: inserting edge: %w", err)
		}
	}

	return tx.Commit()
}
