package models

import "time"

type NotificationType string

const (
	StartNotification    NotificationType = "start"
	EndNotification      NotificationType = "end"
	ErrorNotification    NotificationType = "error"
	DecisionNotification NotificationType = "decision"
	ProgressNotification NotificationType = "progress"
)

// DefaultChannel is the delivery channel used when none is configured.
const DefaultChannel = "telegram"

// Notification records one outbound message tied to a workflow.
type Notification struct {
	ID         int64            `json:"id" db:"id"`
	WorkflowID string           `json:"workflow_id" db:"workflow_id"`
	Type       NotificationType `json:"notification_type" db:"notification_type"`
	Channel    string           `json:"channel" db:"channel"`
	Message    string           `json:"message" db:"message"`
	SentAt     time.Time        `json:"sent_at" db:"sent_at"`
	Delivered  bool             `json:"delivered" db:"delivered"`
}

// TestResult is one recorded outcome of an automated or review check.
type TestResult struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`
	TestType   string    `json:"test_type" db:"test_type"`
	TestName   string    `json:"test_name" db:"test_name"`
	Passed     bool      `json:"passed" db:"passed"`
	Output     *string   `json:"output,omitempty" db:"output"`
	ExecutedAt time.Time `json:"executed_at" db:"executed_at"`
}
