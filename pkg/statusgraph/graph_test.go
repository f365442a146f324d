package statusgraph_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

func TestLocalGraph_Check(t *testing.T) {
	g := statusgraph.Local()

	allowed := map[[2]models.WorkflowStatus]bool{
		{models.PlanningWorkflowStatus, models.ConfirmedWorkflowStatus}:    true,
		{models.PlanningWorkflowStatus, models.RejectedWorkflowStatus}:     true,
		{models.ConfirmedWorkflowStatus, models.ExecutingWorkflowStatus}:   true,
		{models.ExecutingWorkflowStatus, models.TestingWorkflowStatus}:     true,
		{models.ExecutingWorkflowStatus, models.FailedWorkflowStatus}:      true,
		{models.TestingWorkflowStatus, models.DocumentingWorkflowStatus}:   true,
		{models.TestingWorkflowStatus, models.FailedWorkflowStatus}:        true,
		{models.DocumentingWorkflowStatus, models.CompletedWorkflowStatus}: true,
		{models.DocumentingWorkflowStatus, models.FailedWorkflowStatus}:    true,
		{models.FailedWorkflowStatus, models.ExecutingWorkflowStatus}:      true,
	}

	statuses := g.Statuses()
	require.Len(t, statuses, 8)
	for _, from := range statuses {
		for _, to := range statuses {
			err := g.Check(from, to, statusgraph.OriginHuman)
			if allowed[[2]models.WorkflowStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, statusgraph.ErrInvalidTransition))
			var te *statusgraph.TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, string(from), te.From)
			assert.Equal(t, string(to), te.To)
		}
	}
}

func TestLocalGraph_HumanGated(t *testing.T) {
	g := statusgraph.Local()

	err := g.Check(models.PlanningWorkflowStatus, models.ConfirmedWorkflowStatus, statusgraph.OriginAutomatic)
	assert.True(t, errors.Is(err, statusgraph.ErrHumanGated))
	assert.False(t, errors.Is(err, statusgraph.ErrInvalidTransition))

	err = g.Check(models.FailedWorkflowStatus, models.ExecutingWorkflowStatus, statusgraph.OriginAutomatic)
	assert.True(t, errors.Is(err, statusgraph.ErrHumanGated))

	assert.NoError(t, g.Check(models.ConfirmedWorkflowStatus, models.ExecutingWorkflowStatus, statusgraph.OriginAutomatic))

	assert.True(t, g.AwaitsHuman(models.PlanningWorkflowStatus))
	assert.True(t, g.AwaitsHuman(models.FailedWorkflowStatus))
	assert.False(t, g.AwaitsHuman(models.ExecutingWorkflowStatus))
	assert.False(t, g.AwaitsHuman(models.CompletedWorkflowStatus))
}

func TestLocalGraph_Designated(t *testing.T) {
	g := statusgraph.Local()
	assert.Equal(t, models.PlanningWorkflowStatus, g.Initial)
	assert.Equal(t, models.ExecutingWorkflowStatus, g.Start)
	assert.True(t, g.IsCompleted(models.CompletedWorkflowStatus))
	assert.False(t, g.IsCompleted(models.RejectedWorkflowStatus))
	assert.True(t, g.IsTerminal(models.RejectedWorkflowStatus))
	assert.True(t, g.IsFailure(models.FailedWorkflowStatus))
	assert.ElementsMatch(t,
		[]models.WorkflowStatus{models.TestingWorkflowStatus, models.FailedWorkflowStatus},
		g.Targets(models.ExecutingWorkflowStatus))
	assert.Empty(t, g.AutomaticTargets(models.PlanningWorkflowStatus))
}

func TestTrackerGraph(t *testing.T) {
	g := statusgraph.Tracker()

	chain := []models.WorkflowStatus{
		models.ToDoIssueStatus,
		models.PlannedIssueStatus,
		models.PlannedConfirmedIssueStatus,
		models.InProgressIssueStatus,
		models.ReviewIssueStatus,
		models.TestingIssueStatus,
		models.ManualTestingIssueStatus,
		models.DocumentationIssueStatus,
		models.DoneIssueStatus,
	}
	gated := 0
	for i := 0; i+1 < len(chain); i++ {
		assert.NoError(t, g.Check(chain[i], chain[i+1], statusgraph.OriginHuman))
		if g.IsHumanGated(chain[i], chain[i+1]) {
			gated++
			assert.ErrorIs(t, g.Check(chain[i], chain[i+1], statusgraph.OriginAutomatic), statusgraph.ErrHumanGated)
		}
	}
	assert.Equal(t, 3, gated)
	assert.ErrorIs(t, g.Check(models.ToDoIssueStatus, models.DoneIssueStatus, statusgraph.OriginHuman), statusgraph.ErrInvalidTransition)
	assert.True(t, g.IsTerminal(models.DoneIssueStatus))

	t.Run("Normalize", func(t *testing.T) {
		assert.Equal(t, models.InProgressIssueStatus, g.Normalize("In Arbeit"))
		assert.Equal(t, models.ToDoIssueStatus, g.Normalize("zu erledigen"))
		assert.Equal(t, models.ManualTestingIssueStatus, g.Normalize("Manual Testing"))
		assert.Equal(t, models.WorkflowStatus("UNKNOWN"), g.Normalize(" unknown "))
	})
}

func TestTasksGraph(t *testing.T) {
	g := statusgraph.Tasks()
	assert.NoError(t, g.Check(models.PendingTaskStatus, models.InProgressTaskStatus, statusgraph.OriginAutomatic))
	assert.NoError(t, g.Check(models.InProgressTaskStatus, models.CompletedTaskStatus, statusgraph.OriginAutomatic))
	assert.ErrorIs(t, g.Check(models.PendingTaskStatus, models.CompletedTaskStatus, statusgraph.OriginHuman), statusgraph.ErrInvalidTransition)
	assert.ErrorIs(t, g.Check(models.CompletedTaskStatus, models.PendingTaskStatus, statusgraph.OriginHuman), statusgraph.ErrInvalidTransition)
	assert.ErrorIs(t, g.Check(models.FailedTaskStatus, models.PendingTaskStatus, statusgraph.OriginAutomatic), statusgraph.ErrHumanGated)
	assert.NoError(t, g.Check(models.FailedTaskStatus, models.PendingTaskStatus, statusgraph.OriginHuman))
	assert.True(t, g.IsCompleted(models.SkippedTaskStatus))
}

func TestByName(t *testing.T) {
	g, err := statusgraph.ByName("")
	require.NoError(t, err)
	assert.Equal(t, statusgraph.LocalGraph, g.Name)

	g, err = statusgraph.ByName("tracker")
	require.NoError(t, err)
	assert.Equal(t, models.ToDoIssueStatus, g.Initial)

	_, err = statusgraph.ByName("kanban")
	assert.Error(t, err)
}

func TestKnownWorkflowStatuses(t *testing.T) {
	known := statusgraph.KnownWorkflowStatuses()
	// TESTING appears in both graphs.
	assert.Len(t, known, 16)
	assert.Contains(t, known, models.ManualTestingIssueStatus)
	assert.Contains(t, known, models.RejectedWorkflowStatus)
}

const reviewFlow = `
name: review-flow
initial: DRAFT
start: WORKING
completed: [DONE]
terminal: [DONE, DROPPED]
failure: [DROPPED]
aliases:
  Entwurf: DRAFT
edges:
  - from: DRAFT
    to: [WORKING, DROPPED]
    human_gated: true
  - from: WORKING
    to: [DONE]
`

func TestParse(t *testing.T) {
	g, err := statusgraph.Parse([]byte(reviewFlow))
	require.NoError(t, err)
	assert.Equal(t, "review-flow", g.Name)
	assert.Equal(t, models.WorkflowStatus("WORKING"), g.Start)
	assert.Len(t, g.Edges(), 3)
	assert.ErrorIs(t, g.Check("DRAFT", "WORKING", statusgraph.OriginAutomatic), statusgraph.ErrHumanGated)
	assert.NoError(t, g.Check("WORKING", "DONE", statusgraph.OriginAutomatic))
	assert.Equal(t, models.WorkflowStatus("DRAFT"), g.Normalize("entwurf"))

	t.Run("Invalid", func(t *testing.T) {
		cases := map[string]string{
			"no initial":     "edges:\n  - from: A\n    to: [B]\n",
			"no edges":       "initial: A\n",
			"self edge":      "initial: A\nedges:\n  - from: A\n    to: [A]\n",
			"unknown start":  "initial: A\nstart: Z\nedges:\n  - from: A\n    to: [B]\n",
			"unknown alias":  "initial: A\naliases:\n  x: Z\nedges:\n  - from: A\n    to: [B]\n",
			"malformed yaml": "initial: [",
		}
		for name, doc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := statusgraph.Parse([]byte(doc))
				assert.Error(t, err)
			})
		}
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewFlow), 0o600))

	g, err := statusgraph.Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatus("DRAFT"), g.Initial)

	_, err = statusgraph.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
