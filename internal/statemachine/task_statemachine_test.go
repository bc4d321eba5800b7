package statemachine

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

type fakeTaskStore struct {
	state          map[string]models.TaskStatus
	nonTerminal    map[string]bool
	commitCalls    int
	commitErr      error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{state: map[string]models.TaskStatus{}, nonTerminal: map[string]bool{}}
}

func (f *fakeTaskStore) CurrentTaskState(ctx context.Context, taskID string) (models.TaskStatus, bool, error) {
	s, ok := f.state[taskID]
	return s, ok, nil
}

func (f *fakeTaskStore) AnyStepNonTerminal(ctx context.Context, taskID string) (bool, error) {
	return f.nonTerminal[taskID], nil
}

func (f *fakeTaskStore) CommitTaskTransition(ctx context.Context, taskID string, to models.TaskStatus, metadata models.JSONMap) error {
	f.commitCalls++
	if f.commitErr != nil {
		return f.commitErr
	}
	f.state[taskID] = to
	return nil
}

type fakeEvents struct {
	before []string
	after  []string
}

func (f *fakeEvents) EmitBeforeTransition(ctx context.Context, entity, id string, from, to string) {
	f.before = append(f.before, entity+":"+id+":"+from+"->"+to)
}

func (f *fakeEvents) EmitTransitionEvent(ctx context.Context, eventName, entity, id string, metadata models.JSONMap) {
	f.after = append(f.after, entity+":"+id+":"+eventName)
}

func newTestLogger() *zap.Logger { return zap.NewNop() }

func TestTaskTransitionInitializeFromNoPriorState(t *testing.T) {
	store := newFakeTaskStore()
	events := &fakeEvents{}
	sm := NewTaskStateMachine(store, events, newTestLogger())

	if err := sm.Transition(context.Background(), "t1", models.TaskPending, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.state["t1"]; got != models.TaskPending {
		t.Errorf("state = %q, want PENDING", got)
	}
	if len(events.after) != 1 {
		t.Errorf("expected one transition event, got %d", len(events.after))
	}
}

func TestTaskTransitionIllegalPairReturnsGuardFailed(t *testing.T) {
	store := newFakeTaskStore()
	store.state["t1"] = models.TaskPending
	sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

	err := sm.Transition(context.Background(), "t1", models.TaskComplete, nil)
	if !errors.Is(err, coreerrors.ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed, got %v", err)
	}
	if store.commitCalls != 0 {
		t.Errorf("expected no commit on illegal transition, got %d calls", store.commitCalls)
	}
}

func TestTaskTransitionToCompleteGuardsOnNonTerminalSteps(t *testing.T) {
	store := newFakeTaskStore()
	store.state["t1"] = models.TaskInProgress
	store.nonTerminal["t1"] = true
	sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

	err := sm.Transition(context.Background(), "t1", models.TaskComplete, nil)
	if !errors.Is(err, coreerrors.ErrGuardFailed) {
		t.Fatalf("expected ErrGuardFailed when steps remain non-terminal, got %v", err)
	}

	store.nonTerminal["t1"] = false
	if err := sm.Transition(context.Background(), "t1", models.TaskComplete, nil); err != nil {
		t.Fatalf("expected transition to succeed once steps are terminal, got %v", err)
	}
}

func TestTaskTransitionIsIdempotentNoOp(t *testing.T) {
	store := newFakeTaskStore()
	store.state["t1"] = models.TaskInProgress
	sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

	if err := sm.Transition(context.Background(), "t1", models.TaskInProgress, nil); err != nil {
		t.Fatalf("unexpected error on idempotent no-op: %v", err)
	}
	if store.commitCalls != 0 {
		t.Errorf("expected no commit for a same-state transition, got %d", store.commitCalls)
	}
}

func TestTaskCancelledAllowedFromNonTerminalStates(t *testing.T) {
	for _, from := range []models.TaskStatus{models.TaskPending, models.TaskInProgress, models.TaskError} {
		store := newFakeTaskStore()
		store.state["t1"] = from
		sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

		if err := sm.Transition(context.Background(), "t1", models.TaskCancelled, nil); err != nil {
			t.Errorf("expected CANCELLED reachable from %q, got %v", from, err)
		}
	}
}

func TestTaskCancelledNotAllowedFromTerminalStates(t *testing.T) {
	for _, from := range []models.TaskStatus{models.TaskComplete, models.TaskResolvedManually} {
		store := newFakeTaskStore()
		store.state["t1"] = from
		sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

		err := sm.Transition(context.Background(), "t1", models.TaskCancelled, nil)
		if !errors.Is(err, coreerrors.ErrGuardFailed) {
			t.Errorf("expected ErrGuardFailed cancelling from terminal state %q, got %v", from, err)
		}
	}
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	store := newFakeTaskStore()
	sm := NewTaskStateMachine(store, &fakeEvents{}, newTestLogger())

	if err := sm.EnsureStarted(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.state["t1"]; got != models.TaskInProgress {
		t.Fatalf("state = %q, want IN_PROGRESS", got)
	}

	// Calling again on an already-IN_PROGRESS task must be a no-op, not
	// an error from re-requesting PENDING.
	callsBefore := store.commitCalls
	if err := sm.EnsureStarted(context.Background(), "t1"); err != nil {
		t.Fatalf("unexpected error on second EnsureStarted: %v", err)
	}
	if store.commitCalls != callsBefore {
		t.Errorf("expected no further commits once IN_PROGRESS, got %d new calls", store.commitCalls-callsBefore)
	}
}
