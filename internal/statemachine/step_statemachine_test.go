package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

type fakeStepStore struct {
	state         map[string]models.StepStatus
	depsSatisfied map[string]bool
	commitCalls   int
}

func newFakeStepStore() *fakeStepStore {
	return &fakeStepStore{state: map[string]models.StepStatus{}, depsSatisfied: map[string]bool{}}
}

func (f *fakeStepStore) CurrentStepState(ctx context.Context, stepID string) (models.StepStatus, bool, error) {
	s, ok := f.state[stepID]
	return s, ok, nil
}

func (f *fakeStepStore) DependenciesSatisfied(ctx context.Context, stepID string) (bool, error) {
	return f.depsSatisfied[stepID], nil
}

func (f *fakeStepStore) CommitStepTransition(ctx context.Context, stepID string, to models.StepStatus, metadata models.JSONMap) error {
	f.commitCalls++
	f.state[stepID] = to
	return nil
}

func TestStepTransitionInitializeFromNoPriorState(t *testing.T) {
	store := newFakeStepStore()
	sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

	if err := sm.Transition(context.Background(), "s1", models.StepPending, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.state["s1"]; got != models.StepPending {
		t.Errorf("state = %q, want PENDING", got)
	}
}

func TestStepTransitionToInProgressGuardsOnDependencies(t *testing.T) {
	store := newFakeStepStore()
	store.state["s1"] = models.StepPending
	store.depsSatisfied["s1"] = false
	sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

	err := sm.Transition(context.Background(), "s1", models.StepInProgress, nil)
	if !errors.Is(err, coreerrors.ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed with unsatisfied dependencies, got %v", err)
	}

	store.depsSatisfied["s1"] = true
	if err := sm.Transition(context.Background(), "s1", models.StepInProgress, nil); err != nil {
		t.Fatalf("expected transition to succeed once dependencies are satisfied, got %v", err)
	}
}

func TestStepTransitionErrorToInProgressAlsoGuardsOnDependencies(t *testing.T) {
	store := newFakeStepStore()
	store.state["s1"] = models.StepError
	store.depsSatisfied["s1"] = false
	sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

	err := sm.Transition(context.Background(), "s1", models.StepInProgress, nil)
	if !errors.Is(err, coreerrors.ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed retrying from ERROR with unsatisfied dependencies, got %v", err)
	}
}

func TestStepTransitionIllegalPairReturnsGuardFailed(t *testing.T) {
	store := newFakeStepStore()
	store.state["s1"] = models.StepPending
	sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

	err := sm.Transition(context.Background(), "s1", models.StepComplete, nil)
	if !errors.Is(err, coreerrors.ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed, got %v", err)
	}
}

func TestStepTransitionIsIdempotentNoOp(t *testing.T) {
	store := newFakeStepStore()
	store.state["s1"] = models.StepInProgress
	sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

	if err := sm.Transition(context.Background(), "s1", models.StepInProgress, nil); err != nil {
		t.Fatalf("unexpected error on idempotent no-op: %v", err)
	}
	if store.commitCalls != 0 {
		t.Errorf("expected no commit for a same-state transition, got %d", store.commitCalls)
	}
}

func TestStepCancelledAllowedFromNonTerminalStates(t *testing.T) {
	for _, from := range []models.StepStatus{models.StepPending, models.StepInProgress, models.StepError} {
		store := newFakeStepStore()
		store.state["s1"] = from
		sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

		if err := sm.Transition(context.Background(), "s1", models.StepCancelled, nil); err != nil {
			t.Errorf("expected CANCELLED reachable from %q, got %v", from, err)
		}
	}
}

func TestStepCancelledNotAllowedFromTerminalStates(t *testing.T) {
	for _, from := range []models.StepStatus{models.StepComplete, models.StepResolvedManually} {
		store := newFakeStepStore()
		store.state["s1"] = from
		sm := NewStepStateMachine(store, &fakeEvents{}, newTestLogger())

		err := sm.Transition(context.Background(), "s1", models.StepCancelled, nil)
		if !errors.Is(err, coreerrors.ErrGuardFailed) {
			t.Errorf("expected ErrGuardFailed cancelling from terminal state %q, got %v", from, err)
		}
	}
}

func TestStepTransitionEmitsBeforeAndAfterEvents(t *testing.T) {
	store := newFakeStepStore()
	store.state["s1"] = models.StepPending
	store.depsSatisfied["s1"] = true
	events := &fakeEvents{}
	sm := NewStepStateMachine(store, events, newTestLogger())

	if err := sm.Transition(context.Background(), "s1", models.StepInProgress, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.before) != 1 {
		t.Errorf("expected one before-transition event, got %d", len(events.before))
	}
	if len(events.after) != 1 {
		t.Errorf("expected one transition event, got %d", len(events.after))
	}
}
