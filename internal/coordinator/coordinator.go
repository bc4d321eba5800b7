// Package coordinator implements the Workflow Coordinator outer loop of
// spec.md §4.3: drive a task from PENDING through retry/finalize until
// it reaches a terminal task state, dispatching ready steps to the
// Step Executor each pass. Generalized from the teacher's
// WorkflowEngine.processStepResults orchestration loop
// (internal/engine/workflow_engine.go), replacing its in-memory channel
// bookkeeping with reloads of DB-evaluated readiness.Functions, since
// the whole point of this design is that no engine process holds
// authoritative execution state in memory.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
	"github.com/n8n-work/taskcore/internal/observability"
	"github.com/n8n-work/taskcore/internal/readiness"
	"github.com/n8n-work/taskcore/internal/statemachine"
)

// SequenceStore loads a task's full Sequence (task + steps + edges) in
// one round trip per coordinator pass.
type SequenceStore interface {
	LoadSequence(ctx context.Context, taskID string) (models.Sequence, error)
}

// Executor runs a batch of ready steps to completion or failure,
// committing each step's own transition as it finishes. Implemented by
// executor.StepExecutor.
type Executor interface {
	ExecuteBatch(ctx context.Context, task models.Task, steps []models.WorkflowStep) error
}

// Reenqueuer re-queues a task for a future coordinator pass. Implemented
// by reenqueue.Reenqueuer.
type Reenqueuer interface {
	Reenqueue(ctx context.Context, taskID string) error
	ReenqueueDelayed(ctx context.Context, taskID string) error
}

// Invalidator drops cached readiness state after a pass mutates it.
// Optional: a nil Invalidator is a no-op.
type Invalidator interface {
	Invalidate(ctx context.Context, taskID string) error
}

// AdvisoryLocker serializes coordinator passes for the same task across
// process instances, per SPEC_FULL.md's Open Question decision to offer
// this as an opt-in (pg_try_advisory_lock-backed) mode. Optional: a nil
// AdvisoryLocker lets every pass proceed unserialized, matching the
// original spec's reliance on the state machine's own guards.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, taskID string) (bool, error)
	Unlock(ctx context.Context, taskID string) error
}

// Coordinator drives a single task's outer loop.
type Coordinator struct {
	taskSM     *statemachine.TaskStateMachine
	stepSM     *statemachine.StepStateMachine
	readiness  readiness.Functions
	sequences  SequenceStore
	executor   Executor
	reenqueuer Reenqueuer
	invalidator Invalidator
	locker     AdvisoryLocker
	metrics    *observability.Metrics
	logger     *zap.Logger
	maxPasses  int
}

// Option configures optional Coordinator dependencies.
type Option func(*Coordinator)

func WithInvalidator(inv Invalidator) Option { return func(c *Coordinator) { c.invalidator = inv } }

func WithAdvisoryLock(locker AdvisoryLocker) Option {
	return func(c *Coordinator) { c.locker = locker }
}

func WithMaxPassesPerInvoke(n int) Option { return func(c *Coordinator) { c.maxPasses = n } }

func New(
	taskSM *statemachine.TaskStateMachine,
	stepSM *statemachine.StepStateMachine,
	rd readiness.Functions,
	sequences SequenceStore,
	executor Executor,
	reenqueuer Reenqueuer,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		taskSM:     taskSM,
		stepSM:     stepSM,
		readiness:  rd,
		sequences:  sequences,
		executor:   executor,
		reenqueuer: reenqueuer,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs the outer loop for taskID to completion of this invoke:
// it returns once the task reaches a terminal state, or once there is
// nothing left to do until a future event (a reenqueue has been
// scheduled) or the configured pass budget is exhausted.
func (c *Coordinator) Handle(ctx context.Context, taskID string) error {
	if c.locker != nil {
		ok, err := c.locker.TryLock(ctx, taskID)
		if err != nil {
			return fmt.Errorf("coordinator: acquire advisory lock: %w", err)
		}
		if !ok {
			c.logger.Debug("skipping pass, task already locked", zap.String("task_id", taskID))
			return nil
		}
		defer c.locker.Unlock(ctx, taskID)
	}

	if err := c.taskSM.EnsureStarted(ctx, taskID); err != nil {
		return fmt.Errorf("coordinator: starting task: %w", err)
	}

	for pass := 1; c.maxPasses <= 0 || pass <= c.maxPasses; pass++ {
		done, err := c.runPass(ctx, taskID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return c.reenqueuer.Reenqueue(ctx, taskID)
}

// runPass executes one iteration of the outer loop. It returns done=true
// once the task has reached a terminal state or a reenqueue has been
// scheduled and no further work should happen on this invocation.
func (c *Coordinator) runPass(ctx context.Context, taskID string) (done bool, err error) {
	if err := c.applyBypasses(ctx, taskID); err != nil {
		return false, err
	}

	execCtx, err := c.readiness.TaskExecutionContext(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("coordinator: loading execution context: %w", err)
	}

	switch execCtx.ExecutionStatus {
	case readiness.ExecutionStatusAllComplete:
		c.metrics.RecordCoordinatorPass("all_complete")
		return true, c.finalize(ctx, taskID)
	case readiness.ExecutionStatusBlockedByFailures:
		c.metrics.RecordCoordinatorPass("blocked_by_failures")
		return true, c.taskSM.Transition(ctx, taskID, models.TaskError, models.JSONMap{
			"reason":                    "blocked_by_failures",
			"permanently_blocked_steps": execCtx.PermanentlyBlockedSteps,
		})
	}

	seq, err := c.sequences.LoadSequence(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("coordinator: loading sequence: %w", err)
	}

	ready, err := c.viableSteps(ctx, taskID, seq)
	if err != nil {
		return false, err
	}
	if len(ready) == 0 {
		c.metrics.RecordCoordinatorPass("waiting")
		return true, c.reenqueuer.ReenqueueDelayed(ctx, taskID)
	}

	before := seq.Steps
	execErr := c.executor.ExecuteBatch(ctx, seq.Task, ready)
	if execErr != nil && !errors.Is(execErr, coreerrors.ErrBatchTimeout) {
		return false, fmt.Errorf("coordinator: executing batch: %w", execErr)
	}

	if c.invalidator != nil {
		if err := c.invalidator.Invalidate(ctx, taskID); err != nil {
			c.logger.Warn("failed to invalidate readiness cache", zap.Error(err))
		}
	}

	after, err := c.sequences.LoadSequence(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("coordinator: reloading sequence: %w", err)
	}
	group := NewStepGroup(before, after.Steps)

	switch {
	case group.Complete():
		c.metrics.RecordCoordinatorPass("batch_complete")
		return false, nil // loop again; next pass checks task-level completion
	case group.Pending():
		c.metrics.RecordCoordinatorPass("batch_pending")
		return true, c.reenqueuer.Reenqueue(ctx, taskID)
	default:
		c.metrics.RecordCoordinatorPass("batch_partial")
		return false, nil
	}
}

// viableSteps joins StepReadiness against the loaded Sequence to produce
// the concrete WorkflowStep rows the executor should run this pass.
func (c *Coordinator) viableSteps(ctx context.Context, taskID string, seq models.Sequence) ([]models.WorkflowStep, error) {
	records, err := c.readiness.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading step readiness: %w", err)
	}

	var out []models.WorkflowStep
	for _, r := range records {
		if !r.ReadyForExecution {
			continue
		}
		step, ok := seq.StepByID(r.WorkflowStepID)
		if !ok {
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

// applyBypasses transitions every step named in Task.BypassSteps that
// isn't already terminal to RESOLVED_MANUALLY, per SPEC_FULL.md's Open
// Question decision: bypass_steps count as terminal-success for
// dependency gating, applied by the coordinator ahead of readiness
// evaluation rather than left for an operator to do by hand.
func (c *Coordinator) applyBypasses(ctx context.Context, taskID string) error {
	seq, err := c.sequences.LoadSequence(ctx, taskID)
	if err != nil {
		return fmt.Errorf("coordinator: loading sequence for bypass check: %w", err)
	}
	if len(seq.Task.BypassSteps) == 0 {
		return nil
	}

	for _, stepID := range seq.Task.BypassSteps {
		step, ok := seq.StepByID(stepID)
		if !ok || step.Status.TerminalSuccess() {
			continue
		}
		if err := c.stepSM.Transition(ctx, stepID, models.StepResolvedManually, models.JSONMap{"bypassed": true}); err != nil {
			if errors.Is(err, coreerrors.ErrGuardFailed) {
				continue
			}
			return fmt.Errorf("coordinator: applying bypass for step %s: %w", stepID, err)
		}
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, taskID string) error {
	if err := c.taskSM.Transition(ctx, taskID, models.TaskComplete, nil); err != nil {
		if errors.Is(err, coreerrors.ErrGuardFailed) {
			return nil
		}
		return fmt.Errorf("coordinator: finalizing task: %w", err)
	}
	return nil
}
