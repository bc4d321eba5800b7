package statemachine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

// StepStore is the persistence contract the StepStateMachine needs.
type StepStore interface {
	CurrentStepState(ctx context.Context, stepID string) (state models.StepStatus, ok bool, err error)
	// DependenciesSatisfied reports whether every parent of stepID is in
	// a terminal-success state (COMPLETE or RESOLVED_MANUALLY).
	DependenciesSatisfied(ctx context.Context, stepID string) (bool, error)
	CommitStepTransition(ctx context.Context, stepID string, to models.StepStatus, metadata models.JSONMap) error
}

type stepRule struct {
	from  models.StepStatus
	to    models.StepStatus
	event string
	guard func(ctx context.Context, s StepStore, stepID string) error
}

var stepRules = []stepRule{
	{from: "", to: models.StepPending, event: "initialize_requested"},
	{from: models.StepPending, to: models.StepInProgress, event: "execution_requested", guard: guardDependenciesSatisfied},
	{from: models.StepInProgress, to: models.StepComplete, event: "completed"},
	{from: models.StepInProgress, to: models.StepError, event: "failed"},
	{from: models.StepError, to: models.StepPending, event: "retry_requested"},
	{from: models.StepError, to: models.StepInProgress, event: "execution_requested", guard: guardDependenciesSatisfied},
	{from: models.StepError, to: models.StepResolvedManually, event: "resolved_manually"},
	{from: models.StepPending, to: models.StepResolvedManually, event: "resolved_manually"},
}

var cancellableStepStates = map[models.StepStatus]bool{
	models.StepPending:    true,
	models.StepInProgress: true,
	models.StepError:      true,
}

func guardDependenciesSatisfied(ctx context.Context, s StepStore, stepID string) error {
	ok, err := s.DependenciesSatisfied(ctx, stepID)
	if err != nil {
		return fmt.Errorf("%w: checking dependency gate: %v", coreerrors.ErrInfrastructure, err)
	}
	if !ok {
		return &coreerrors.GuardFailure{
			Entity: "step", From: string(models.StepPending), To: string(models.StepInProgress),
			Reason: "a parent step is not in a terminal-success state",
		}
	}
	return nil
}

// StepStateMachine guards and commits WorkflowStep.Status transitions. It
// adds the dependency guard on top of TaskStateMachine's shape (spec.md
// §4.1: "StepStateMachine adds a dependency guard").
type StepStateMachine struct {
	store  StepStore
	events EventEmitter
	logger *zap.Logger
}

func NewStepStateMachine(store StepStore, events EventEmitter, logger *zap.Logger) *StepStateMachine {
	return &StepStateMachine{
		store:  store,
		events: events,
		logger: logger.With(zap.String("component", "step_statemachine")),
	}
}

func (sm *StepStateMachine) Transition(ctx context.Context, stepID string, to models.StepStatus, metadata models.JSONMap) error {
	current, ok, err := sm.store.CurrentStepState(ctx, stepID)
	if err != nil {
		return fmt.Errorf("%w: loading current step state: %v", coreerrors.ErrInfrastructure, err)
	}
	from := current
	if !ok {
		from = ""
	}

	if ok && current == to {
		return nil
	}

	rule, err := sm.findRule(from, to, ok)
	if err != nil {
		return err
	}

	if rule.guard != nil {
		if err := rule.guard(ctx, sm.store, stepID); err != nil {
			return err
		}
	}

	if sm.events != nil {
		sm.events.EmitBeforeTransition(ctx, "step", stepID, string(from), string(to))
	}

	if err := sm.store.CommitStepTransition(ctx, stepID, to, metadata); err != nil {
		return fmt.Errorf("%w: committing step transition: %v", coreerrors.ErrInfrastructure, err)
	}

	if sm.events != nil {
		meta := metadata
		if meta == nil {
			meta = models.JSONMap{}
		}
		meta["transitioned_at"] = time.Now().UTC()
		sm.events.EmitTransitionEvent(ctx, rule.event, "step", stepID, meta)
	}

	sm.logger.Debug("step transitioned",
		zap.String("step_id", stepID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", rule.event),
	)
	return nil
}

func (sm *StepStateMachine) findRule(from, to models.StepStatus, hasPrior bool) (stepRule, error) {
	if to == models.StepCancelled {
		if !hasPrior || cancellableStepStates[from] {
			return stepRule{from: from, to: to, event: "cancelled"}, nil
		}
		return stepRule{}, &coreerrors.GuardFailure{
			Entity: "step", From: string(from), To: string(to),
			Reason: "step is not in a cancellable state",
		}
	}
	for _, r := range stepRules {
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
	return stepRule{}, &coreerrors.GuardFailure{
		Entity: "step", From: string(from), To: string(to),
		Reason: "no rule permits this transition",
	}
}
