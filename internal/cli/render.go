package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/service"
)

var (
	colorActive  = lipgloss.AdaptiveColor{Light: "#0087AF", Dark: "#00D7FF"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#00FF87"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD700"}
	colorError   = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#585858", Dark: "#6C6C6C"}

	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(colorMuted)
)

func statusColor(status string) lipgloss.AdaptiveColor {
	switch status {
	// task and workflow statuses share COMPLETED and FAILED
	case string(models.CompletedWorkflowStatus), string(models.DoneIssueStatus):
		return colorSuccess
	case string(models.FailedWorkflowStatus), string(models.RejectedWorkflowStatus):
		return colorError
	case string(models.PlanningWorkflowStatus), string(models.PlannedIssueStatus), string(models.ManualTestingIssueStatus):
		return colorWarning
	case string(models.PendingTaskStatus), string(models.SkippedTaskStatus):
		return colorMuted
	}
	return colorActive
}

func renderStatus(status string) string {
	return lipgloss.NewStyle().Foreground(statusColor(status)).Render(status)
}

func cell(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}

func renderWorkflows(w io.Writer, workflows []models.Workflow) {
	if len(workflows) == 0 {
		fmt.Fprintln(w, "No workflows found.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(cell("ID", 14)+cell("STATUS", 24)+cell("PROJECT", 20)+"TITLE"))
	for _, wf := range workflows {
		fmt.Fprintln(w, cell(wf.WorkflowID, 14)+cell(renderStatus(string(wf.Status)), 24)+cell(wf.Project, 20)+wf.Title)
	}
}

func renderWorkflow(w io.Writer, wf models.Workflow) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(wf.WorkflowID), wf.Title)
	fmt.Fprintf(w, "  Status:  %s\n", renderStatus(string(wf.Status)))
	fmt.Fprintf(w, "  Project: %s\n", wf.Project)
	fmt.Fprintf(w, "  Created: %s\n", wf.CreatedAt.Format(time.RFC3339))
	if wf.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", wf.StartedAt.Format(time.RFC3339))
	}
	if wf.CompletedAt != nil {
		fmt.Fprintf(w, "  Done:    %s\n", wf.CompletedAt.Format(time.RFC3339))
	}
	if wf.Plan != nil && *wf.Plan != "" {
		fmt.Fprintf(w, "  Plan:\n    %s\n", strings.ReplaceAll(*wf.Plan, "\n", "\n    "))
	}
	if len(wf.Tasks) > 0 {
		fmt.Fprintln(w, "  Tasks:")
		renderTasks(w, wf.Tasks)
	}
}

func renderTasks(w io.Writer, tasks []models.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("    %s %s %s", cell(fmt.Sprintf("%d.", t.Sequence), 4), cell(renderStatus(string(t.Status)), 12), t.Description)
		if t.ErrorMessage != nil {
			line += dimStyle.Render(" (" + *t.ErrorMessage + ")")
		}
		fmt.Fprintf(w, "%s %s\n", line, dimStyle.Render(fmt.Sprintf("#%d", t.ID)))
	}
}

func renderDecision(w io.Writer, d service.Decision) {
	switch d.Kind {
	case service.DecisionReadyToAdvance:
		fmt.Fprintln(w, lipgloss.NewStyle().Foreground(colorSuccess).Render("All tasks done, the workflow can advance."))
	case service.DecisionBlocked:
		fmt.Fprintf(w, "%s task %d %q failed; retry or skip it.\n",
			lipgloss.NewStyle().Foreground(colorError).Render("Blocked:"), d.Task.ID, d.Task.Description)
	case service.DecisionInProgress:
		fmt.Fprintf(w, "In progress: task %d %q\n", d.Task.ID, d.Task.Description)
	default:
		fmt.Fprintf(w, "Next: task %d %q\n", d.Task.ID, d.Task.Description)
	}
}

func renderStats(w io.Writer, s models.Stats) {
	fmt.Fprintf(w, "%s %d\n", cell("Total:", 11), s.TotalWorkflows)
	fmt.Fprintf(w, "%s %s\n", cell("Active:", 11), lipgloss.NewStyle().Foreground(colorActive).Render(fmt.Sprint(s.Active)))
	fmt.Fprintf(w, "%s %s\n", cell("Completed:", 11), lipgloss.NewStyle().Foreground(colorSuccess).Render(fmt.Sprint(s.Completed)))
}
