// Package models defines the persisted entities of the workflow core:
// namespaces, named tasks, task/step runtime instances, their DAG edges,
// and the append-only transition history tables. Struct tags follow the
// teacher convention (db + json) so the same struct serves sqlx scans and
// API serialization.
package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// TaskNamespace groups named tasks the way a tenant would.
type TaskNamespace struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NamedTask is the template a Task is instantiated from. The tuple
// (namespace_id, name, version) is unique; version defaults to "0.1.0".
type NamedTask struct {
	ID          string    `db:"id" json:"id"`
	NamespaceID string    `db:"namespace_id" json:"namespace_id"`
	Name        string    `db:"name" json:"name"`
	Version     string    `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// FullName is "namespace.name@version", the human-facing identity of a
// named task template referenced from handler-discovery code.
func (nt NamedTask) FullName(namespace string) string {
	return namespace + "." + nt.Name + "@" + nt.Version
}

// JSONMap is a map persisted as a JSON/JSONB column.
type JSONMap map[string]interface{}

// Value/Scan implement driver.Valuer/sql.Scanner so JSONMap round-trips
// through Postgres JSONB columns the same way the teacher's
// map[string]interface{} fields do via sqlx's default json handling.
func (m JSONMap) Value() (interface{}, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		raw = []byte("{}")
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Task is a runtime instance of a NamedTask. Status is derived (never
// written directly; see statemachine.TaskStateMachine).
type Task struct {
	ID           string         `db:"id" json:"id"`
	NamedTaskID  string         `db:"named_task_id" json:"named_task_id"`
	Context      JSONMap        `db:"context" json:"context"`
	Reason       string         `db:"reason" json:"reason"`
	Initiator    string         `db:"initiator" json:"initiator"`
	SourceSystem string         `db:"source_system" json:"source_system"`
	Tags         pq.StringArray `db:"tags" json:"tags"`
	BypassSteps  pq.StringArray `db:"bypass_steps" json:"bypass_steps"`
	RequestedAt  time.Time      `db:"requested_at" json:"requested_at"`
	Complete     bool           `db:"complete" json:"complete"`
	Status       TaskStatus     `db:"status" json:"status"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// IsBypassed reports whether stepID is listed in BypassSteps.
func (t Task) IsBypassed(stepID string) bool {
	for _, id := range t.BypassSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// WorkflowStep is a runtime unit of work belonging to a Task.
type WorkflowStep struct {
	WorkflowStepID  string     `db:"workflow_step_id" json:"workflow_step_id"`
	TaskID          string     `db:"task_id" json:"task_id"`
	NamedStep       string     `db:"named_step" json:"named_step"`
	Inputs          JSONMap    `db:"inputs" json:"inputs"`
	Results         JSONMap    `db:"results" json:"results"`
	Attempts        int        `db:"attempts" json:"attempts"`
	RetryLimit      int        `db:"retry_limit" json:"retry_limit"`
	Retryable       bool       `db:"retryable" json:"retryable"`
	LastAttemptedAt *time.Time `db:"last_attempted_at" json:"last_attempted_at,omitempty"`
	Processed       bool       `db:"processed" json:"processed"`
	InProcess       bool       `db:"in_process" json:"in_process"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	NextRetryAt     *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	Status          StepStatus `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// WorkflowStepEdge is a directed dependency from_step -> to_step within
// the same task. Uniqueness on the pair is enforced at the DB level.
type WorkflowStepEdge struct {
	FromStepID string `db:"from_step_id" json:"from_step_id"`
	ToStepID   string `db:"to_step_id" json:"to_step_id"`
}

// Sequence bundles a task's steps and edges together, loaded once per
// coordinator pass (spec.md glossary: "Sequence").
type Sequence struct {
	Task  Task
	Steps []WorkflowStep
	Edges []WorkflowStepEdge
}

// StepByID returns the step with the given id, or false if absent.
func (s Sequence) StepByID(id string) (WorkflowStep, bool) {
	for _, st := range s.Steps {
		if st.WorkflowStepID == id {
			return st, true
		}
	}
	return WorkflowStep{}, false
}

// Parents returns the direct predecessor step ids of stepID.
func (s Sequence) Parents(stepID string) []string {
	var parents []string
	for _, e := range s.Edges {
		if e.ToStepID == stepID {
			parents = append(parents, e.FromStepID)
		}
	}
	return parents
}

// Children returns the direct successor step ids of stepID.
func (s Sequence) Children(stepID string) []string {
	var children []string
	for _, e := range s.Edges {
		if e.FromStepID == stepID {
			children = append(children, e.ToStepID)
		}
	}
	return children
}

// Roots returns steps with no parent edges.
func (s Sequence) Roots() []WorkflowStep {
	var roots []WorkflowStep
	for _, st := range s.Steps {
		if len(s.Parents(st.WorkflowStepID)) == 0 {
			roots = append(roots, st)
		}
	}
	return roots
}

// TaskTransition is an append-only history row for a Task's status.
type TaskTransition struct {
	ID           string     `db:"id" json:"id"`
	TaskID       string     `db:"task_id" json:"task_id"`
	ToState      TaskStatus `db:"to_state" json:"to_state"`
	SortKey      int64      `db:"sort_key" json:"sort_key"`
	MostRecent   bool       `db:"most_recent" json:"most_recent"`
	Metadata     JSONMap    `db:"metadata" json:"metadata"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// WorkflowStepTransition is an append-only history row for a step's status.
type WorkflowStepTransition struct {
	ID             string     `db:"id" json:"id"`
	WorkflowStepID string     `db:"workflow_step_id" json:"workflow_step_id"`
	ToState        StepStatus `db:"to_state" json:"to_state"`
	SortKey        int64      `db:"sort_key" json:"sort_key"`
	MostRecent     bool       `db:"most_recent" json:"most_recent"`
	Metadata       JSONMap    `db:"metadata" json:"metadata"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
