package scheduler

import "time"

// Status represents the current state of a scheduled task.
type Status string

const (
	// StatusPending indicates the task is waiting to be started.
	StatusPending Status = "pending"

	// StatusBlocked indicates the task has required dependencies that have
	// not yet completed.
	StatusBlocked Status = "blocked"

	// StatusRunning indicates the task is actively being executed.
	StatusRunning Status = "running"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was cancelled before finishing.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks for selection. Within a tier, selection is FIFO by
// creation order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank maps priorities to comparable values; lower is selected first.
var rank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Valid reports whether p is a known priority tier.
func (p Priority) Valid() bool {
	_, ok := rank[p]
	return ok
}

// DependencyKind distinguishes how a dependency gates its dependent.
type DependencyKind string

const (
	// DependencyRequired means the target must have completed before the
	// dependent may start.
	DependencyRequired DependencyKind = "required"

	// DependencySoft means the target must merely not be running when the
	// dependent starts. It never blocks a task permanently.
	DependencySoft DependencyKind = "soft"
)

// Dependency is an edge from a task to one it depends on.
type Dependency struct {
	TaskID string         `json:"task_id"`
	Kind   DependencyKind `json:"kind"`
}

// TaskSpec is the caller-supplied description of a task to create.
type TaskSpec struct {
	ID           string       `json:"id,omitempty"` // generated when empty
	MissionID    string       `json:"mission_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Priority     Priority     `json:"priority,omitempty"` // defaults to normal
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Result records the outcome of a task's final attempt.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Task is a unit of work tracked by the Scheduler.
type Task struct {
	ID           string       `json:"id"`
	MissionID    string       `json:"mission_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Priority     Priority     `json:"priority"`
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Status is the current execution state.
	Status Status `json:"status"`

	// CreatedAt orders tasks within a priority tier.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the task last transitioned to running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Attempts counts how many times the task has been started.
	Attempts int `json:"attempts"`

	// FailureReason contains error context from the most recent failure.
	FailureReason string `json:"failure_reason,omitempty"`

	// Result is set once the task completes or fails.
	Result *Result `json:"result,omitempty"`
}

// Counts is a snapshot of the scheduler's per-status task counts.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Blocked   int `json:"blocked"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
