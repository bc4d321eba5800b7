package coordinator

import (
	"testing"

	"github.com/n8n-work/taskcore/internal/models"
)

func step(id string, status models.StepStatus) models.WorkflowStep {
	return models.WorkflowStep{WorkflowStepID: id, Status: status}
}

func stepRetrying(id string, attempts, retryLimit int) models.WorkflowStep {
	return models.WorkflowStep{WorkflowStepID: id, Status: models.StepError, Attempts: attempts, RetryLimit: retryLimit}
}

func TestStepGroupCompleteWhenAllPriorIncompleteNowTerminal(t *testing.T) {
	before := []models.WorkflowStep{
		step("a", models.StepComplete),
		step("b", models.StepPending),
		step("c", models.StepPending),
	}
	after := []models.WorkflowStep{
		step("a", models.StepComplete),
		step("b", models.StepComplete),
		step("c", models.StepResolvedManually),
	}

	g := NewStepGroup(before, after)
	if !g.Complete() {
		t.Errorf("expected Complete() true, got StepGroup %+v", g)
	}
	if g.Pending() {
		t.Errorf("expected Pending() false, got StepGroup %+v", g)
	}
}

func TestStepGroupNotPendingWhenFailuresAreExhaustedNotWorking(t *testing.T) {
	before := []models.WorkflowStep{
		step("a", models.StepPending),
		step("b", models.StepPending),
	}
	after := []models.WorkflowStep{
		step("a", models.StepComplete),
		stepRetrying("b", 3, 3), // attempts == retry_limit: permanently blocked, not still working
	}

	g := NewStepGroup(before, after)
	if g.Complete() {
		t.Errorf("expected Complete() false, got StepGroup %+v", g)
	}
	if g.Pending() {
		t.Errorf("expected Pending() false when the only incomplete step has no retries left, got StepGroup %+v", g)
	}
	if len(g.StillWorkingSteps) != 0 {
		t.Errorf("expected no still-working steps, got %v", g.StillWorkingSteps)
	}
}

func TestStepGroupPendingWhenErrorStepHasRetriesRemaining(t *testing.T) {
	before := []models.WorkflowStep{
		step("a", models.StepPending),
		step("b", models.StepPending),
	}
	after := []models.WorkflowStep{
		step("a", models.StepComplete),
		stepRetrying("b", 1, 3), // failed once, two retries left: still working
	}

	g := NewStepGroup(before, after)
	if g.Complete() {
		t.Errorf("expected Complete() false, got StepGroup %+v", g)
	}
	if !g.Pending() {
		t.Errorf("expected Pending() true for a retry-eligible ERROR step, got StepGroup %+v", g)
	}
	if len(g.StillWorkingSteps) != 1 || g.StillWorkingSteps[0] != "b" {
		t.Errorf("expected StillWorkingSteps=[b], got %v", g.StillWorkingSteps)
	}
}

func TestStepGroupPendingWhileAStepIsInProgress(t *testing.T) {
	before := []models.WorkflowStep{
		step("a", models.StepPending),
		step("b", models.StepPending),
	}
	after := []models.WorkflowStep{
		step("a", models.StepComplete),
		step("b", models.StepInProgress),
	}

	g := NewStepGroup(before, after)
	if g.Complete() {
		t.Errorf("expected Complete() false, got StepGroup %+v", g)
	}
	if !g.Pending() {
		t.Errorf("expected Pending() true while a step is IN_PROGRESS, got StepGroup %+v", g)
	}
	if len(g.StillWorkingSteps) != 1 || g.StillWorkingSteps[0] != "b" {
		t.Errorf("expected StillWorkingSteps=[b], got %v", g.StillWorkingSteps)
	}
}

func TestStepGroupIgnoresStepsAlreadyTerminalBeforeThePass(t *testing.T) {
	before := []models.WorkflowStep{
		step("a", models.StepComplete),
		step("b", models.StepResolvedManually),
	}
	after := []models.WorkflowStep{
		step("a", models.StepComplete),
		step("b", models.StepResolvedManually),
	}

	g := NewStepGroup(before, after)
	if len(g.PriorIncompleteSteps) != 0 {
		t.Errorf("expected no prior-incomplete steps, got %v", g.PriorIncompleteSteps)
	}
	// No prior-incomplete steps means nothing for this pass to finish.
	if g.Complete() {
		t.Errorf("Complete() should require at least one prior-incomplete step")
	}
}
