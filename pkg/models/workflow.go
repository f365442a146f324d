package models

import "time"

type WorkflowStatus string

// Statuses of the local workflow graph.
const (
	PlanningWorkflowStatus    WorkflowStatus = "PLANNING"
	ConfirmedWorkflowStatus   WorkflowStatus = "CONFIRMED"
	RejectedWorkflowStatus    WorkflowStatus = "REJECTED"
	ExecutingWorkflowStatus   WorkflowStatus = "EXECUTING"
	TestingWorkflowStatus     WorkflowStatus = "TESTING"
	DocumentingWorkflowStatus WorkflowStatus = "DOCUMENTING"
	CompletedWorkflowStatus   WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus      WorkflowStatus = "FAILED"
)

// Statuses of the issue tracker graph.
const (
	ToDoIssueStatus             WorkflowStatus = "TO DO"
	PlannedIssueStatus          WorkflowStatus = "PLANNED"
	PlannedConfirmedIssueStatus WorkflowStatus = "PLANNED AND CONFIRMED"
	InProgressIssueStatus       WorkflowStatus = "IN PROGRESS"
	ReviewIssueStatus           WorkflowStatus = "REVIEW"
	TestingIssueStatus          WorkflowStatus = "TESTING"
	ManualTestingIssueStatus    WorkflowStatus = "MANUAL TESTING"
	DocumentationIssueStatus    WorkflowStatus = "DOCUMENTATION"
	DoneIssueStatus             WorkflowStatus = "DONE"
)

// Workflow is one tracked unit of work (an "issue" in tracker terms).
type Workflow struct {
	ID           int64          `json:"-" db:"id"`                                          // Surrogate key (PostgreSQL identity)
	WorkflowID   string         `json:"workflow_id" db:"workflow_id"`                       // Human readable key, e.g. "WF-2025-003"
	Project      string         `json:"project" db:"project"`                               // Project name
	ProjectPath  *string        `json:"project_path,omitempty" db:"project_path"`           // Optional filesystem path
	Title        string         `json:"title" db:"title"`                                   // Short description
	Status       WorkflowStatus `json:"status" db:"status"`                                 // Current status in the configured graph
	Requirements *string        `json:"requirements,omitempty" db:"requirements"`           // Opaque requirements blob
	Plan         *string        `json:"plan,omitempty" db:"plan"`                           // Opaque plan blob
	IssueNumber  *int           `json:"github_issue_number,omitempty" db:"issue_number"`    // Linked issue or PR number
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`                         // Creation timestamp
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`                         // Last update timestamp
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`               // First entry into the start status
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`           // Set only while in a completed status
	Tasks        []Task         `json:"tasks,omitempty" db:"-"`                             // Ordered tasks (populated on demand)
}

// NewWorkflow is the input for creating a workflow.
type NewWorkflow struct {
	WorkflowID   string  `json:"workflow_id,omitempty"`
	Project      string  `json:"project"`
	ProjectPath  *string `json:"project_path,omitempty"`
	Title        string  `json:"title"`
	Requirements *string `json:"requirements,omitempty"`
}

// WorkflowPatch carries the non-status fields that may be edited in place.
// Nil fields are left untouched.
type WorkflowPatch struct {
	Plan         *string `json:"plan,omitempty"`
	Requirements *string `json:"requirements,omitempty"`
	IssueNumber  *int    `json:"github_issue_number,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p WorkflowPatch) Empty() bool {
	return p.Plan == nil && p.Requirements == nil && p.IssueNumber == nil
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status  WorkflowStatus
	Project string
	Limit   int
}

// DefaultListLimit caps unfiltered listings.
const DefaultListLimit = 50

// StatusChange is a validated workflow transition ready to be persisted.
// From is the status read under lock; the store applies the change only if
// the row still holds it.
type StatusChange struct {
	From          WorkflowStatus
	To            WorkflowStatus
	At            time.Time
	StampStarted  bool // set started_at if it is still NULL
	StampComplete bool // set completed_at; when false completed_at is cleared
}
