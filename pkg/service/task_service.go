package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

var (
	// ErrOutOfOrder is returned when a task is started while an earlier one
	// is still pending, running or failed.
	ErrOutOfOrder = errors.New("task is not next in sequence")

	// ErrWorkflowClosed is returned when tasks of a workflow in a terminal
	// status would be added or changed.
	ErrWorkflowClosed = errors.New("workflow is closed")
)

type TaskService struct {
	store     storage.Store
	graph     *statusgraph.Graph[models.TaskStatus]
	workflows *statusgraph.Graph[models.WorkflowStatus]
	logger    Logger
	now       func() time.Time
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:     store,
		graph:     statusgraph.Tasks(),
		workflows: statusgraph.Local(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// lockOpen locks the workflow row for the rest of tx and rejects workflows
// whose status is terminal.
func (ts *TaskService) lockOpen(ctx context.Context, tx storage.Store, workflowKey string) error {
	wf, err := tx.GetWorkflowForUpdate(ctx, workflowKey)
	if err != nil {
		return err
	}
	if ts.workflows.IsTerminal(wf.Status) {
		return errors.Wrapf(ErrWorkflowClosed, "workflow %s is %s", workflowKey, wf.Status)
	}
	return nil
}

// AddTasks appends tasks to a workflow. A zero sequence is assigned after
// the current last task; duplicate sequences fail with
// storage.ErrConstraintViolation and nothing is stored. A workflow in a
// terminal status takes no new tasks.
func (ts *TaskService) AddTasks(ctx context.Context, workflowKey string, tasks []models.NewTask) (created []models.Task, err error) {
	err = runInTx(ts.store, ts.logger, func(tx storage.Store) error {
		if err := ts.lockOpen(ctx, tx, workflowKey); err != nil {
			return err
		}
		var txErr error
		created, txErr = ts.addTasks(ctx, tx, workflowKey, tasks)
		return txErr
	})
	if err != nil {
		ts.logger.Errorf("Failed to add tasks to %s: %v", workflowKey, err)
		return nil, err
	}
	return created, nil
}

func (ts *TaskService) addTasks(ctx context.Context, tx storage.Store, workflowKey string, tasks []models.NewTask) ([]models.Task, error) {
	existing, err := tx.ListTasks(ctx, workflowKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tasks of %s", workflowKey)
	}
	last := 0
	for _, t := range existing {
		if t.Sequence > last {
			last = t.Sequence
		}
	}

	now := ts.now()
	created := make([]models.Task, 0, len(tasks))
	for _, in := range tasks {
		if in.Description == "" {
			return nil, errors.Wrap(ErrInvalidInput, "task description is required")
		}
		seq := in.Sequence
		if seq == 0 {
			seq = last + 1
		}
		if seq < 1 {
			return nil, errors.Wrapf(ErrInvalidInput, "task sequence %d must be positive", seq)
		}
		if seq > last {
			last = seq
		}
		task := models.Task{
			WorkflowID:  workflowKey,
			Sequence:    seq,
			Description: in.Description,
			Status:      models.PendingTaskStatus,
			CreatedAt:   now,
		}
		id, err := tx.SaveTask(ctx, task)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to save task %d of %s", seq, workflowKey)
		}
		task.ID = id
		created = append(created, task)
	}
	return created, nil
}

// ListTasks returns a workflow's tasks in sequence order.
func (ts *TaskService) ListTasks(ctx context.Context, workflowKey string) ([]models.Task, error) {
	if _, err := ts.store.GetWorkflow(ctx, workflowKey); err != nil {
		return nil, err
	}
	return ts.store.ListTasks(ctx, workflowKey)
}

func (ts *TaskService) GetTask(ctx context.Context, id int64) (models.Task, error) {
	return ts.store.GetTask(ctx, id)
}

// NextTask runs the sequencer over a workflow's tasks.
func (ts *TaskService) NextTask(ctx context.Context, workflowKey string) (Decision, error) {
	tasks, err := ts.ListTasks(ctx, workflowKey)
	if err != nil {
		return Decision{}, err
	}
	return NextTask(tasks), nil
}

// UpdateTask applies a task transition. Starting a task requires it to be
// the one the sequencer would pick next, and tasks of a workflow in a
// terminal status are frozen.
func (ts *TaskService) UpdateTask(ctx context.Context, id int64, update models.TaskUpdate, origin statusgraph.Origin) (task models.Task, err error) {
	err = runInTx(ts.store, ts.logger, func(tx storage.Store) error {
		current, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if err := ts.lockOpen(ctx, tx, current.WorkflowID); err != nil {
			return err
		}
		if err := ts.graph.Check(current.Status, update.Status, origin); err != nil {
			return err
		}
		if update.Status == models.InProgressTaskStatus {
			siblings, err := tx.ListTasks(ctx, current.WorkflowID)
			if err != nil {
				return errors.Wrapf(err, "failed to load tasks of %s", current.WorkflowID)
			}
			next := NextTask(siblings)
			if next.Kind != DecisionNext || next.Task.ID != current.ID {
				return errors.Wrapf(ErrOutOfOrder, "task %d of %s (%s)", current.Sequence, current.WorkflowID, next.Kind)
			}
		}
		change := models.TaskChange{
			From:          current.Status,
			To:            update.Status,
			At:            ts.now(),
			Result:        update.Result,
			ErrorMessage:  update.ErrorMessage,
			StampStarted:  update.Status == ts.graph.Start,
			StampComplete: ts.graph.IsCompleted(update.Status),
		}
		if err := tx.UpdateTaskStatus(ctx, id, change); err != nil {
			if errors.Is(err, storage.ErrStatusConflict) {
				return statusgraph.NewTransitionError(statusgraph.ErrInvalidTransition, current.Status, update.Status)
			}
			return errors.Wrapf(err, "failed to update task %d", id)
		}
		task, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		ts.logger.Errorf("Failed to update task %d to %s: %v", id, update.Status, err)
		return models.Task{}, err
	}
	ts.logger.Infof("Task %d of %s is now %s", task.Sequence, task.WorkflowID, task.Status)
	return task, nil
}

// Start moves the next pending task to IN_PROGRESS.
func (ts *TaskService) Start(ctx context.Context, id int64) (models.Task, error) {
	return ts.UpdateTask(ctx, id, models.TaskUpdate{Status: models.InProgressTaskStatus}, statusgraph.OriginHuman)
}

// Complete finishes a running task with an optional result.
func (ts *TaskService) Complete(ctx context.Context, id int64, result *string) (models.Task, error) {
	return ts.UpdateTask(ctx, id, models.TaskUpdate{Status: models.CompletedTaskStatus, Result: result}, statusgraph.OriginHuman)
}

// Fail marks a running task as failed.
func (ts *TaskService) Fail(ctx context.Context, id int64, message string) (models.Task, error) {
	return ts.UpdateTask(ctx, id, models.TaskUpdate{Status: models.FailedTaskStatus, ErrorMessage: &message}, statusgraph.OriginHuman)
}

// Skip marks a task SKIPPED so it no longer blocks the sequence.
func (ts *TaskService) Skip(ctx context.Context, id int64) (models.Task, error) {
	return ts.UpdateTask(ctx, id, models.TaskUpdate{Status: models.SkippedTaskStatus}, statusgraph.OriginHuman)
}

// Retry resets a FAILED task to PENDING. The previous error message stays
// until a later update overwrites it.
func (ts *TaskService) Retry(ctx context.Context, id int64) (models.Task, error) {
	return ts.UpdateTask(ctx, id, models.TaskUpdate{Status: models.PendingTaskStatus}, statusgraph.OriginHuman)
}
