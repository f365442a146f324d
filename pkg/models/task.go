package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	InProgressTaskStatus TaskStatus = "IN_PROGRESS"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
	SkippedTaskStatus    TaskStatus = "SKIPPED"
)

// Task represents one ordered step of a workflow
type Task struct {
	ID           int64      `json:"id" db:"id"`                                   // Unique identifier (PostgreSQL identity)
	WorkflowID   string     `json:"workflow_id" db:"workflow_id"`                 // Owning workflow key
	Sequence     int        `json:"sequence" db:"sequence"`                       // 1-based execution order, unique per workflow
	Description  string     `json:"description" db:"description"`                 // What the step does
	Status       TaskStatus `json:"status" db:"status"`                           // PENDING, IN_PROGRESS, COMPLETED, FAILED, SKIPPED
	Result       *string    `json:"result,omitempty" db:"result"`                 // Result blob
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`   // Last error message, kept across retries
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`                   // Creation timestamp
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`         // Nullable start time
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`     // Nullable end time
}

// NewTask is the input for appending a task to a workflow.
type NewTask struct {
	Sequence    int    `json:"sequence"`
	Description string `json:"description"`
}

// TaskUpdate is a requested task status change with optional payload.
type TaskUpdate struct {
	Status       TaskStatus `json:"status"`
	Result       *string    `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// TaskChange is a validated task transition ready to be persisted.
type TaskChange struct {
	From          TaskStatus
	To            TaskStatus
	At            time.Time
	Result        *string
	ErrorMessage  *string
	StampStarted  bool
	StampComplete bool
}

// IsTerminal reports whether no further automatic progress is expected.
func (s TaskStatus) IsTerminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == SkippedTaskStatus
}
