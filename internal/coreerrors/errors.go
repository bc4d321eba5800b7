// Package coreerrors names the error taxonomy from spec.md §7 as typed,
// wrappable sentinels so callers can classify with errors.Is/errors.As
// instead of string matching, generalizing the teacher's bare
// fmt.Errorf("...: %w", err) wrapping into a closed vocabulary.
package coreerrors

import "errors"

// ErrGuardFailed means a state machine transition was attempted from an
// illegal (from, to) pair or a guard predicate returned false. Expected
// flow, never logged as an exception (spec.md §4.1/§7).
var ErrGuardFailed = errors.New("state machine: guard failed")

// ErrRetryableStepFailure marks a step handler failure classified as
// retryable; the step re-enters ERROR with a scheduled next_retry_at.
var ErrRetryableStepFailure = errors.New("step execution: retryable failure")

// ErrPermanentStepFailure marks a step handler failure classified as
// permanent, or a retryable failure whose attempts reached retry_limit.
var ErrPermanentStepFailure = errors.New("step execution: permanent failure")

// ErrBatchTimeout means batch collection exceeded its deadline; no step
// row is written for steps still in flight when this fires.
var ErrBatchTimeout = errors.New("step executor: batch timeout")

// ErrInfrastructure wraps a failure in the store/queue/cache layer itself
// (as opposed to user step-handler failures). Readiness/health calls fall
// back to a safe default rather than propagating this.
var ErrInfrastructure = errors.New("infrastructure error")

// GuardFailure records the illegal transition that was attempted.
type GuardFailure struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (g *GuardFailure) Error() string {
	msg := "guard failed: " + g.Entity + " " + g.From + " -> " + g.To
	if g.Reason != "" {
		msg += ": " + g.Reason
	}
	return msg
}

func (g *GuardFailure) Unwrap() error { return ErrGuardFailed }

// StepFailure wraps a user step-handler error with its retry
// classification and the step it occurred on.
type StepFailure struct {
	StepID    string
	Retryable bool
	Cause     error
}

func (f *StepFailure) Error() string {
	return "step " + f.StepID + ": " + f.Cause.Error()
}

func (f *StepFailure) Unwrap() error {
	if f.Retryable {
		return ErrRetryableStepFailure
	}
	return ErrPermanentStepFailure
}
