// Package statemachine is the only legal writer of Task.Status and
// WorkflowStep.Status. Every mutation goes through a guarded transition
// that appends a transition row and emits a lifecycle event, per
// spec.md §4.1. Transitions are expressed as a static table searched
// linearly for the matching (from, to) row rather than inheritance, per
// the Design Notes.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

// EventEmitter is the narrow contract the state machines depend on to
// publish lifecycle events. Implemented by events.Publisher. Adapter
// failures must never escalate; that guarantee lives in the
// implementation, not here.
type EventEmitter interface {
	EmitBeforeTransition(ctx context.Context, entity, id string, from, to string)
	EmitTransitionEvent(ctx context.Context, eventName, entity, id string, metadata models.JSONMap)
}

// TaskStore is the persistence contract the TaskStateMachine needs.
// Implemented by repo.Repository against Postgres.
type TaskStore interface {
	// CurrentTaskState returns the task's current status (the
	// most_recent transition's to_state, mirrored in tasks.status), or
	// ok=false if the task is not found. A task with no transitions yet
	// may report ok=true with an empty state; the "" -> PENDING rule
	// matches both cases.
	CurrentTaskState(ctx context.Context, taskID string) (state models.TaskStatus, ok bool, err error)
	// AnyStepNonTerminal reports whether any step of the task is still in
	// PENDING, IN_PROGRESS, or ERROR.
	AnyStepNonTerminal(ctx context.Context, taskID string) (bool, error)
	// CommitTaskTransition performs, in one transaction: flip prior
	// most_recent rows to false, insert the new transition with the next
	// sort_key, and update Task.status to the new state.
	CommitTaskTransition(ctx context.Context, taskID string, to models.TaskStatus, metadata models.JSONMap) error
}

// taskRule is one row of the static transition table.
type taskRule struct {
	from  models.TaskStatus
	to    models.TaskStatus
	event string
	guard func(ctx context.Context, s TaskStore, taskID string) error
}

var taskRules = []taskRule{
	{from: "", to: models.TaskPending, event: "initialize_requested"},
	{from: models.TaskPending, to: models.TaskInProgress, event: "start_requested"},
	{from: models.TaskInProgress, to: models.TaskPending, event: "reset_to_pending"},
	{from: models.TaskInProgress, to: models.TaskComplete, event: "completed", guard: guardNoNonTerminalSteps},
	{from: models.TaskInProgress, to: models.TaskError, event: "failed"},
	{from: models.TaskError, to: models.TaskPending, event: "retry_requested"},
	{from: models.TaskError, to: models.TaskResolvedManually, event: "resolved_manually"},
}

// cancellableTaskStates are the non-terminal states CANCELLED may be
// reached from ("* -> CANCELLED: allowed from non-terminal states").
var cancellableTaskStates = map[models.TaskStatus]bool{
	models.TaskPending:    true,
	models.TaskInProgress: true,
	models.TaskError:      true,
}

func guardNoNonTerminalSteps(ctx context.Context, s TaskStore, taskID string) error {
	nonTerminal, err := s.AnyStepNonTerminal(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: checking step completeness: %v", coreerrors.ErrInfrastructure, err)
	}
	if nonTerminal {
		return &coreerrors.GuardFailure{
			Entity: "task", From: string(models.TaskInProgress), To: string(models.TaskComplete),
			Reason: "steps remain in a non-terminal state",
		}
	}
	return nil
}

// TaskStateMachine guards and commits Task.Status transitions.
type TaskStateMachine struct {
	store  TaskStore
	events EventEmitter
	logger *zap.Logger
}

// NewTaskStateMachine constructs a TaskStateMachine. Dependencies are
// injected, never globalized, per the Design Notes.
func NewTaskStateMachine(store TaskStore, events EventEmitter, logger *zap.Logger) *TaskStateMachine {
	return &TaskStateMachine{
		store:  store,
		events: events,
		logger: logger.With(zap.String("component", "task_statemachine")),
	}
}

// Transition moves taskID to `to`, running guards and emitting events.
// Returns coreerrors.ErrGuardFailed (via errors.Is) if the transition is
// illegal from the task's current state.
func (sm *TaskStateMachine) Transition(ctx context.Context, taskID string, to models.TaskStatus, metadata models.JSONMap) error {
	current, ok, err := sm.store.CurrentTaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: loading current task state: %v", coreerrors.ErrInfrastructure, err)
	}
	from := current
	if !ok {
		from = ""
	}

	// Idempotent no-op: requesting the state the task is already in.
	if ok && current == to {
		return nil
	}

	rule, err := sm.findRule(from, to, ok)
	if err != nil {
		return err
	}

	if rule.guard != nil {
		if err := rule.guard(ctx, sm.store, taskID); err != nil {
			return err
		}
	}

	if sm.events != nil {
		sm.events.EmitBeforeTransition(ctx, "task", taskID, string(from), string(to))
	}

	if err := sm.store.CommitTaskTransition(ctx, taskID, to, metadata); err != nil {
		return fmt.Errorf("%w: committing task transition: %v", coreerrors.ErrInfrastructure, err)
	}

	if sm.events != nil {
		meta := metadata
		if meta == nil {
			meta = models.JSONMap{}
		}
		meta["transitioned_at"] = time.Now().UTC()
		sm.events.EmitTransitionEvent(ctx, rule.event, "task", taskID, meta)
	}

	sm.logger.Debug("task transitioned",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", rule.event),
	)
	return nil
}

func (sm *TaskStateMachine) findRule(from, to models.TaskStatus, hasPrior bool) (taskRule, error) {
	if to == models.TaskCancelled {
		if !hasPrior || cancellableTaskStates[from] {
			return taskRule{from: from, to: to, event: "cancelled"}, nil
		}
		return taskRule{}, &coreerrors.GuardFailure{
			Entity: "task", From: string(from), To: string(to),
			Reason: "task is not in a cancellable state",
		}
	}
	for _, r := range taskRules {
		if r.to != to {
			continue
		}
		if !hasPrior && r.from == "" {
			return r, nil
		}
		if hasPrior && r.from == from {
			return r, nil
		}
	}
	return taskRule{}, &coreerrors.GuardFailure{
		Entity: "task", From: string(from), To: string(to),
		Reason: "no rule permits this transition",
	}
}

// EnsureStarted transitions a task PENDING -> IN_PROGRESS, or is a no-op
// if the task is already IN_PROGRESS (spec.md §4.3 step 1: idempotent).
func (sm *TaskStateMachine) EnsureStarted(ctx context.Context, taskID string) error {
	current, ok, err := sm.store.CurrentTaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: loading current task state: %v", coreerrors.ErrInfrastructure, err)
	}
	if ok && current == models.TaskInProgress {
		return nil
	}
	if !ok {
		if err := sm.Transition(ctx, taskID, models.TaskPending, nil); err != nil {
			return err
		}
	}
	return sm.Transition(ctx, taskID, models.TaskInProgress, nil)
}
