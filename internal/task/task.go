package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of an orchestrated task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions defines allowed state transitions. Terminal states have
// no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// StepRecord is one entry in a task's history, covering a single routing
// decision and the worker outcome it produced.
type StepRecord struct {
	AgentRole    string    `json:"agent_role"`
	InputContext string    `json:"input_context"`
	Output       string    `json:"output"`
	Err          string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Task is the canonical state of one orchestrated unit of work.
//
// History is append-only and never reordered; IterationCount equals
// len(History) at every observation point. CompletedAgents is a membership
// set — roles accumulate and are never removed, even when a role is
// re-invoked.
type Task struct {
	ID              string       `json:"id"`
	Query           string       `json:"query"`
	TaskType        string       `json:"task_type"`
	Priority        int          `json:"priority"`
	Status          Status       `json:"status"`
	IterationCount  int          `json:"iteration_count"`
	MaxIterations   int          `json:"max_iterations"`
	History         []StepRecord `json:"history"`
	CompletedAgents []string     `json:"completed_agents"`
	Result          string       `json:"result,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// MarkAgentCompleted records role membership in CompletedAgents.
func (t *Task) MarkAgentCompleted(role string) {
	for _, r := range t.CompletedAgents {
		if r == role {
			return
		}
	}
	t.CompletedAgents = append(t.CompletedAgents, role)
}

// HasCompletedAgent reports whether the role has produced an accepted result.
func (t *Task) HasCompletedAgent(role string) bool {
	for _, r := range t.CompletedAgents {
		if r == role {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, safe to hand to concurrent readers.
func (t *Task) Clone() *Task {
	cp := *t
	if t.History != nil {
		cp.History = make([]StepRecord, len(t.History))
		copy(cp.History, t.History)
	}
	if t.CompletedAgents != nil {
		cp.CompletedAgents = make([]string, len(t.CompletedAgents))
		copy(cp.CompletedAgents, t.CompletedAgents)
	}
	return &cp
}

// Summary is the client-facing projection of a task used by list and
// status endpoints.
type Summary struct {
	ID              string    `json:"task_id"`
	Query           string    `json:"query"`
	TaskType        string    `json:"task_type"`
	Priority        int       `json:"priority"`
	Status          Status    `json:"status"`
	IterationCount  int       `json:"iteration_count"`
	MaxIterations   int       `json:"max_iterations"`
	CompletedAgents []string  `json:"completed_agents"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summarize projects the task into its client-facing summary. Long queries
// are truncated the way the original listing did.
func (t *Task) Summarize() *Summary {
	q := t.Query
	if len(q) > 100 {
		q = q[:100] + "..."
	}
	agents := make([]string, len(t.CompletedAgents))
	copy(agents, t.CompletedAgents)
	return &Summary{
		ID:              t.ID,
		Query:           q,
		TaskType:        t.TaskType,
		Priority:        t.Priority,
		Status:          t.Status,
		IterationCount:  t.IterationCount,
		MaxIterations:   t.MaxIterations,
		CompletedAgents: agents,
		Result:          t.Result,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}
