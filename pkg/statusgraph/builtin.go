package statusgraph

import (
	"fmt"

	"github.com/baja5b/claude-workflow-system/pkg/models"
)

// Names of the built-in workflow graphs.
const (
	LocalGraph   = "local"
	TrackerGraph = "tracker"
)

// Local is the six-state workflow graph used when work is tracked in the
// local database only. Confirmation and rejection of a plan and the retry of
// a failed workflow need a human.
func Local() *Graph[models.WorkflowStatus] {
	g := New(LocalGraph, models.PlanningWorkflowStatus, []Edge[models.WorkflowStatus]{
		{From: models.PlanningWorkflowStatus, To: models.ConfirmedWorkflowStatus, HumanGated: true},
		{From: models.PlanningWorkflowStatus, To: models.RejectedWorkflowStatus, HumanGated: true},
		{From: models.ConfirmedWorkflowStatus, To: models.ExecutingWorkflowStatus},
		{From: models.ExecutingWorkflowStatus, To: models.TestingWorkflowStatus},
		{From: models.ExecutingWorkflowStatus, To: models.FailedWorkflowStatus},
		{From: models.TestingWorkflowStatus, To: models.DocumentingWorkflowStatus},
		{From: models.TestingWorkflowStatus, To: models.FailedWorkflowStatus},
		{From: models.DocumentingWorkflowStatus, To: models.CompletedWorkflowStatus},
		{From: models.DocumentingWorkflowStatus, To: models.FailedWorkflowStatus},
		{From: models.FailedWorkflowStatus, To: models.ExecutingWorkflowStatus, HumanGated: true},
	})
	g.Start = models.ExecutingWorkflowStatus
	g.Completed = []models.WorkflowStatus{models.CompletedWorkflowStatus}
	g.Terminal = []models.WorkflowStatus{
		models.CompletedWorkflowStatus,
		models.RejectedWorkflowStatus,
		models.FailedWorkflowStatus,
	}
	g.Failure = []models.WorkflowStatus{models.FailedWorkflowStatus}
	return g
}

// Tracker is the nine-state issue tracker graph. Plan confirmation, code
// review and manual testing are human gates; everything else is driven by
// the polling worker.
func Tracker() *Graph[models.WorkflowStatus] {
	g := New(TrackerGraph, models.ToDoIssueStatus, []Edge[models.WorkflowStatus]{
		{From: models.ToDoIssueStatus, To: models.PlannedIssueStatus},
		{From: models.PlannedIssueStatus, To: models.PlannedConfirmedIssueStatus, HumanGated: true},
		{From: models.PlannedConfirmedIssueStatus, To: models.InProgressIssueStatus},
		{From: models.InProgressIssueStatus, To: models.ReviewIssueStatus, HumanGated: true},
		{From: models.ReviewIssueStatus, To: models.TestingIssueStatus},
		{From: models.TestingIssueStatus, To: models.ManualTestingIssueStatus},
		{From: models.ManualTestingIssueStatus, To: models.DocumentationIssueStatus, HumanGated: true},
		{From: models.DocumentationIssueStatus, To: models.DoneIssueStatus},
	})
	g.Start = models.InProgressIssueStatus
	g.Completed = []models.WorkflowStatus{models.DoneIssueStatus}
	g.Terminal = []models.WorkflowStatus{models.DoneIssueStatus}
	g.Aliases = map[string]models.WorkflowStatus{
		"Zu erledigen": models.ToDoIssueStatus,
		"Geplant":      models.PlannedIssueStatus,
		"In Arbeit":    models.InProgressIssueStatus,
		"Test":         models.TestingIssueStatus,
		"Fertig":       models.DoneIssueStatus,
	}
	return g
}

// Tasks is the task lifecycle graph. Skipping a pending task and retrying or
// skipping a failed one are explicit human decisions.
func Tasks() *Graph[models.TaskStatus] {
	g := New("tasks", models.PendingTaskStatus, []Edge[models.TaskStatus]{
		{From: models.PendingTaskStatus, To: models.InProgressTaskStatus},
		{From: models.PendingTaskStatus, To: models.SkippedTaskStatus, HumanGated: true},
		{From: models.InProgressTaskStatus, To: models.CompletedTaskStatus},
		{From: models.InProgressTaskStatus, To: models.FailedTaskStatus},
		{From: models.InProgressTaskStatus, To: models.SkippedTaskStatus},
		{From: models.FailedTaskStatus, To: models.PendingTaskStatus, HumanGated: true},
		{From: models.FailedTaskStatus, To: models.SkippedTaskStatus, HumanGated: true},
	})
	g.Start = models.InProgressTaskStatus
	g.Completed = []models.TaskStatus{
		models.CompletedTaskStatus,
		models.FailedTaskStatus,
		models.SkippedTaskStatus,
	}
	g.Terminal = g.Completed
	g.Failure = []models.TaskStatus{models.FailedTaskStatus}
	return g
}

// ByName returns a built-in workflow graph.
func ByName(name string) (*Graph[models.WorkflowStatus], error) {
	switch name {
	case "", LocalGraph:
		return Local(), nil
	case TrackerGraph:
		return Tracker(), nil
	}
	return nil, fmt.Errorf("unknown status graph %q", name)
}

// KnownWorkflowStatuses is the union of statuses of the built-in workflow
// graphs. The database constraint on workflows.status mirrors it.
func KnownWorkflowStatuses() []models.WorkflowStatus {
	seen := map[models.WorkflowStatus]bool{}
	var out []models.WorkflowStatus
	for _, g := range []*Graph[models.WorkflowStatus]{Local(), Tracker()} {
		for _, s := range g.Statuses() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
