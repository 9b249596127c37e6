// Package tasks holds the Run/Task model, the task transition graph,
// and the append-only execution log used by the consumer pool and the
// post-call flow.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a task's lifecycle position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusHold       Status = "hold"
)

// Tier selects the consumer lane a task runs in.
type Tier string

const (
	TierNormal Tier = "normal"
	TierBulk   Tier = "bulk"
)

// transitions is the fixed task state graph. completed is terminal;
// failed may return to pending for a retry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusHold, StatusScheduled},
	StatusScheduled:  {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusHold},
	StatusHold:       {StatusInProgress, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  nil,
}

// CanTransition reports whether from→to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned by UpdateTask for a rejected move.
type ErrInvalidTransition struct {
	TaskID string
	From   Status
	To     Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Run is a batch of one or more tasks sharing context and scope.
type Run struct {
	ID            string          `db:"id" json:"id"`
	SpaceID       string          `db:"space_id" json:"space_id"`
	UserID        string          `db:"user_id" json:"user_id"`
	ThreadID      string          `db:"thread_id" json:"thread_id"`
	OrgID         string          `db:"org_id" json:"org_id"`
	Context       json.RawMessage `db:"context" json:"context"`
	ExecutionType string          `db:"execution_type" json:"execution_type"`
	RunMode       string          `db:"run_mode" json:"run_mode"`
	Assignee      string          `db:"assignee" json:"assignee"`
	CollectionRef string          `db:"collection_ref" json:"collection_ref"`
	Status        Status          `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Task is one unit of dispatchable work.
type Task struct {
	ID            string          `db:"id" json:"id"`
	RunID         string          `db:"run_id" json:"run_id"`
	SpaceID       string          `db:"space_id" json:"space_id"`
	UserID        string          `db:"user_id" json:"user_id"`
	ThreadID      string          `db:"thread_id" json:"thread_id"`
	Status        Status          `db:"status" json:"status"`
	Tier          Tier            `db:"tier" json:"tier"`
	Provider      string          `db:"provider" json:"provider"`
	CallType      string          `db:"call_type" json:"call_type"`
	Input         json.RawMessage `db:"input" json:"input"`
	Output        json.RawMessage `db:"output" json:"output,omitempty"`
	RefID         string          `db:"ref_id" json:"ref_id,omitempty"`
	CollectionRef string          `db:"collection_ref" json:"collection_ref,omitempty"`
	ScheduledAt   *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	FollowupCount int             `db:"followup_count" json:"followup_count"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// LogEntry is one append-only execution log record.
type LogEntry struct {
	ID        int64           `db:"id" json:"id"`
	TaskID    string          `db:"task_id" json:"task_id"`
	RunID     string          `db:"run_id" json:"run_id"`
	Step      string          `db:"step" json:"step"`
	Status    string          `db:"status" json:"status"`
	Input     json.RawMessage `db:"input" json:"input,omitempty"`
	Output    json.RawMessage `db:"output" json:"output,omitempty"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
}

// Scope is the mandatory query predicate. An empty scope matches
// nothing, never everything.
type Scope struct {
	SpaceID  string
	UserID   string
	ThreadID string
}

func (s Scope) Empty() bool {
	return s.SpaceID == "" && s.UserID == "" && s.ThreadID == ""
}

// Filter narrows paginated listings.
type Filter struct {
	Page     int
	PageSize int
	Status   Status
	CallType string
	From     *time.Time
	To       *time.Time
	Search   string // free text over input/output
}

func (f *Filter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 25
	}
}

// Page is one page of results plus the total row count for the scope.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
