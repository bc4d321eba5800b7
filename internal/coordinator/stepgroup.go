package coordinator

import "github.com/n8n-work/taskcore/internal/models"

// StepGroup captures one coordinator pass's before/after view of a
// task's steps (spec.md §4.3): which steps were already done before this
// pass, which ones this pass just finished, which remain incomplete
// afterward, and whether any are still actively working. The
// coordinator uses this to decide whether to loop again, reenqueue and
// return, or finalize the task.
type StepGroup struct {
	PriorIncompleteSteps []string
	ThisPassCompleteSteps []string
	StillIncompleteSteps []string
	StillWorkingSteps    []string
}

// NewStepGroup builds a StepGroup from the step snapshot taken before a
// batch pass and the one taken after it.
func NewStepGroup(before, after []models.WorkflowStep) StepGroup {
	beforeComplete := map[string]bool{}
	for _, s := range before {
		if s.Status.TerminalSuccess() {
			beforeComplete[s.WorkflowStepID] = true
		}
	}

	var priorIncomplete []string
	for _, s := range before {
		if !beforeComplete[s.WorkflowStepID] {
			priorIncomplete = append(priorIncomplete, s.WorkflowStepID)
		}
	}

	afterByID := map[string]models.WorkflowStep{}
	for _, s := range after {
		afterByID[s.WorkflowStepID] = s
	}

	var thisPassComplete, stillIncomplete, stillWorking []string
	for _, id := range priorIncomplete {
		a, ok := afterByID[id]
		if !ok {
			continue
		}
		switch {
		case a.Status.TerminalSuccess():
			thisPassComplete = append(thisPassComplete, id)
		default:
			stillIncomplete = append(stillIncomplete, id)
			if isStillWorking(a) {
				stillWorking = append(stillWorking, id)
			}
		}
	}

	return StepGroup{
		PriorIncompleteSteps:  priorIncomplete,
		ThisPassCompleteSteps: thisPassComplete,
		StillIncompleteSteps:  stillIncomplete,
		StillWorkingSteps:     stillWorking,
	}
}

// Complete reports whether at least one step was incomplete before this
// pass and every such step is now terminal-success. It returns false
// when no step was incomplete before the pass.
func (g StepGroup) Complete() bool {
	return len(g.PriorIncompleteSteps) > 0 && len(g.StillIncompleteSteps) == 0
}

// isStillWorking reports whether a step is still PENDING, IN_PROGRESS,
// or ERROR with retry attempts remaining — the set the coordinator must
// wait on rather than treat as permanently stuck.
func isStillWorking(s models.WorkflowStep) bool {
	switch s.Status {
	case models.StepPending, models.StepInProgress:
		return true
	case models.StepError:
		return s.Attempts < s.RetryLimit
	default:
		return false
	}
}

// Pending reports whether any step is still actively working — PENDING,
// IN_PROGRESS, or ERROR with retries remaining — and the coordinator
// should reenqueue so a future pass can pick it back up.
func (g StepGroup) Pending() bool {
	return len(g.StillWorkingSteps) > 0
}
