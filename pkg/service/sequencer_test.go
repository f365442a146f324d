package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/service"
)

func tasksWith(statuses ...models.TaskStatus) []models.Task {
	tasks := make([]models.Task, 0, len(statuses))
	for i, st := range statuses {
		tasks = append(tasks, models.Task{ID: int64(i + 1), Sequence: i + 1, Status: st})
	}
	return tasks
}

func TestNextTask(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []models.Task
		kind    service.DecisionKind
		wantSeq int
	}{
		{
			name:    "LowestPending",
			tasks:   tasksWith(models.CompletedTaskStatus, models.PendingTaskStatus, models.PendingTaskStatus),
			kind:    service.DecisionNext,
			wantSeq: 2,
		},
		{
			name:    "FailedBlocks",
			tasks:   tasksWith(models.CompletedTaskStatus, models.FailedTaskStatus, models.PendingTaskStatus),
			kind:    service.DecisionBlocked,
			wantSeq: 2,
		},
		{
			name:    "SkippedDoesNotBlock",
			tasks:   tasksWith(models.SkippedTaskStatus, models.PendingTaskStatus),
			kind:    service.DecisionNext,
			wantSeq: 2,
		},
		{
			name:    "RunningTaskFirst",
			tasks:   tasksWith(models.CompletedTaskStatus, models.InProgressTaskStatus, models.PendingTaskStatus),
			kind:    service.DecisionInProgress,
			wantSeq: 2,
		},
		{
			name:  "AllDone",
			tasks: tasksWith(models.CompletedTaskStatus, models.SkippedTaskStatus),
			kind:  service.DecisionReadyToAdvance,
		},
		{
			name:  "NoTasks",
			tasks: nil,
			kind:  service.DecisionReadyToAdvance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := service.NextTask(tt.tasks)
			assert.Equal(t, tt.kind, d.Kind)
			if tt.wantSeq == 0 {
				assert.Nil(t, d.Task)
				return
			}
			require.NotNil(t, d.Task)
			assert.Equal(t, tt.wantSeq, d.Task.Sequence)
		})
	}
}

func TestNextTask_UnorderedInput(t *testing.T) {
	tasks := []models.Task{
		{ID: 3, Sequence: 3, Status: models.PendingTaskStatus},
		{ID: 1, Sequence: 1, Status: models.CompletedTaskStatus},
		{ID: 2, Sequence: 2, Status: models.PendingTaskStatus},
	}
	d := service.NextTask(tasks)
	require.NotNil(t, d.Task)
	assert.Equal(t, 2, d.Task.Sequence)
	assert.Equal(t, models.PendingTaskStatus, tasks[0].Status, "input is not modified")
}
