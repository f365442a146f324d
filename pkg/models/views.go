package models

import "time"

// ActiveWorkflow is a non-terminal workflow with its task progress.
type ActiveWorkflow struct {
	Workflow
	CompletedTasks int `json:"completed_tasks" db:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks" db:"failed_tasks"`
}

// WorkflowSummary aggregates task and test counts for one workflow.
type WorkflowSummary struct {
	WorkflowID     string         `json:"workflow_id" db:"workflow_id"`
	Project        string         `json:"project" db:"project"`
	Title          string         `json:"title" db:"title"`
	Status         WorkflowStatus `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	TotalTasks     int            `json:"total_tasks" db:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks" db:"completed_tasks"`
	TotalTests     int            `json:"total_tests" db:"total_tests"`
	PassedTests    int            `json:"passed_tests" db:"passed_tests"`
}

// Stats are the global workflow counters.
type Stats struct {
	TotalWorkflows int `json:"total_workflows" db:"total_workflows"`
	Completed      int `json:"completed" db:"completed"`
	Active         int `json:"active" db:"active"`
}
