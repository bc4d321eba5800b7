package models

// TaskStatus is the closed set of legal task states.
type TaskStatus string

const (
	TaskPending          TaskStatus = "PENDING"
	TaskInProgress       TaskStatus = "IN_PROGRESS"
	TaskComplete         TaskStatus = "COMPLETE"
	TaskError            TaskStatus = "ERROR"
	TaskCancelled        TaskStatus = "CANCELLED"
	TaskResolvedManually TaskStatus = "RESOLVED_MANUALLY"
)

// StepStatus is the closed set of legal step states. Labels are shared
// with TaskStatus but the two are distinct state machines.
type StepStatus string

const (
	StepPending          StepStatus = "PENDING"
	StepInProgress       StepStatus = "IN_PROGRESS"
	StepComplete         StepStatus = "COMPLETE"
	StepError            StepStatus = "ERROR"
	StepCancelled        StepStatus = "CANCELLED"
	StepResolvedManually StepStatus = "RESOLVED_MANUALLY"
)

// TerminalSuccess reports whether a step status satisfies a dependency
// gate (spec.md glossary: "Terminal-success states").
func (s StepStatus) TerminalSuccess() bool {
	return s == StepComplete || s == StepResolvedManually
}

// NonTerminal reports whether a step is still working or retryable.
func (s StepStatus) NonTerminal() bool {
	return s == StepPending || s == StepInProgress || s == StepError
}

// NonTerminal reports whether a task is still working.
func (s TaskStatus) NonTerminal() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskError
}
