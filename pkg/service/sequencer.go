package service

import (
	"sort"

	"github.com/baja5b/claude-workflow-system/pkg/models"
)

type DecisionKind string

const (
	// DecisionNext means Task is the next one to start.
	DecisionNext DecisionKind = "next"
	// DecisionInProgress means Task is running; tasks run one at a time.
	DecisionInProgress DecisionKind = "in_progress"
	// DecisionBlocked means Task failed and needs a human retry or skip.
	DecisionBlocked DecisionKind = "blocked"
	// DecisionReadyToAdvance means no work is left and the workflow may
	// move on.
	DecisionReadyToAdvance DecisionKind = "ready_to_advance"
)

// Decision is the sequencer's answer to "what is workable now".
type Decision struct {
	Kind DecisionKind `json:"kind"`
	Task *models.Task `json:"task,omitempty"`
}

// NextTask inspects a workflow's tasks in sequence order. A failed task
// blocks everything after it; skipped and completed tasks never block.
func NextTask(tasks []models.Task) Decision {
	ordered := append([]models.Task(nil), tasks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	for i := range ordered {
		if ordered[i].Status == models.FailedTaskStatus {
			return Decision{Kind: DecisionBlocked, Task: &ordered[i]}
		}
	}
	for i := range ordered {
		if ordered[i].Status == models.InProgressTaskStatus {
			return Decision{Kind: DecisionInProgress, Task: &ordered[i]}
		}
	}
	for i := range ordered {
		if ordered[i].Status == models.PendingTaskStatus {
			return Decision{Kind: DecisionNext, Task: &ordered[i]}
		}
	}
	return Decision{Kind: DecisionReadyToAdvance}
}
