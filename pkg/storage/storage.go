package storage

import (
	"context"
	"errors"

	"github.com/baja5b/claude-workflow-system/pkg/models"
)

var (
	// ErrNotFound is returned when a referenced workflow, task or
	// notification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation is returned when an insert breaks a uniqueness
	// rule: a duplicate workflow key or a duplicate task sequence.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStatusConflict is returned when a status compare-and-swap finds the
	// row no longer holds the expected status.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// Store defines the storage operations for the workflow tracker.
//
// A Store obtained from Begin is a transaction: it must be finished with
// Commit or Rollback and cannot begin a nested transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error)
	GetWorkflow(ctx context.Context, key string) (models.Workflow, error)
	// GetWorkflowForUpdate reads a workflow and locks its row until the
	// surrounding transaction ends.
	GetWorkflowForUpdate(ctx context.Context, key string) (models.Workflow, error)
	ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]models.Workflow, error)
	// MaxWorkflowSequence returns the highest NNN among keys WF-<year>-NNN,
	// or 0 when the year has none.
	MaxWorkflowSequence(ctx context.Context, year int) (int, error)
	UpdateWorkflowDetails(ctx context.Context, key string, patch models.WorkflowPatch) error
	UpdateWorkflowStatus(ctx context.Context, key string, change models.StatusChange) error
	DeleteWorkflow(ctx context.Context, key string) error

	// Task operations
	SaveTask(ctx context.Context, t models.Task) (int64, error)
	GetTask(ctx context.Context, id int64) (models.Task, error)
	ListTasks(ctx context.Context, workflowKey string) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, change models.TaskChange) error

	// Notification operations
	SaveNotification(ctx context.Context, n models.Notification) (int64, error)
	GetNotification(ctx context.Context, id int64) (models.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id int64) error
	ListNotifications(ctx context.Context, workflowKey string) ([]models.Notification, error)

	// Test result operations
	SaveTestResult(ctx context.Context, r models.TestResult) (int64, error)
	ListTestResults(ctx context.Context, workflowKey string) ([]models.TestResult, error)

	// Views
	ActiveWorkflows(ctx context.Context, terminal []models.WorkflowStatus) ([]models.ActiveWorkflow, error)
	WorkflowSummaries(ctx context.Context) ([]models.WorkflowSummary, error)
	Stats(ctx context.Context, completed, terminal []models.WorkflowStatus) (models.Stats, error)
}
