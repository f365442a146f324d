package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// Logger defines the logging interface used by the services
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	// ErrInvalidInput is returned for requests that fail validation before
	// touching the store.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTasksIncomplete is returned when a workflow would enter a completed
	// status while some of its tasks are still pending or running.
	ErrTasksIncomplete = errors.New("workflow has unfinished tasks")
)

// WorkflowService validates and applies workflow transitions against the
// configured status graph.
type WorkflowService struct {
	store         storage.Store
	graph         *statusgraph.Graph[models.WorkflowStatus]
	tasks         *TaskService
	notifications *NotificationService
	logger        Logger
	now           func() time.Time
}

type Option func(*WorkflowService)

// WithGraph replaces the default local six-state graph.
func WithGraph(g *statusgraph.Graph[models.WorkflowStatus]) Option {
	return func(s *WorkflowService) { s.graph = g }
}

// WithNotifications enables the notification hook after each transition.
func WithNotifications(n *NotificationService) Option {
	return func(s *WorkflowService) { s.notifications = n }
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

func NewWorkflowService(store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		store:  store,
		graph:  statusgraph.Local(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = NewTaskService(store, logger)
	s.tasks.workflows = s.graph
	s.tasks.now = s.now
	return s
}

// Graph returns the workflow status graph in use.
func (s *WorkflowService) Graph() *statusgraph.Graph[models.WorkflowStatus] {
	return s.graph
}

// Tasks returns the task service sharing this service's store.
func (s *WorkflowService) Tasks() *TaskService {
	return s.tasks
}

// runInTx runs fn inside a store transaction, committing on success and
// rolling back on error.
func runInTx(store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction: %v", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = errors.Wrap(commitErr, "failed to commit")
		}
	}()
	return fn(txStore)
}

// CreateWorkflow stores a new workflow in the graph's initial status. When no
// key is given one is generated as WF-<year>-<NNN>, one past the highest
// sequence already used that year. A workflow created in a status that only
// a human can leave asks for that decision right away.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, in models.NewWorkflow) (models.Workflow, error) {
	if in.Project == "" || in.Title == "" {
		return models.Workflow{}, errors.Wrap(ErrInvalidInput, "project and title are required")
	}
	now := s.now()
	wf := models.Workflow{
		WorkflowID:   in.WorkflowID,
		Project:      in.Project,
		ProjectPath:  in.ProjectPath,
		Title:        in.Title,
		Status:       s.graph.Initial,
		Requirements: in.Requirements,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := runInTx(s.store, s.logger, func(tx storage.Store) error {
		if wf.WorkflowID == "" {
			highest, err := tx.MaxWorkflowSequence(ctx, now.Year())
			if err != nil {
				return errors.Wrap(err, "failed to read workflow key sequence")
			}
			wf.WorkflowID = fmt.Sprintf("WF-%d-%03d", now.Year(), highest+1)
		}
		id, err := tx.SaveWorkflow(ctx, wf)
		if err != nil {
			return errors.Wrapf(err, "failed to save workflow %s", wf.WorkflowID)
		}
		wf.ID = id
		return nil
	})
	if err != nil {
		return models.Workflow{}, err
	}
	s.logger.Infof("Created workflow %s (%s) for project %s", wf.WorkflowID, wf.Title, wf.Project)
	if s.graph.AwaitsHuman(wf.Status) {
		s.notify(ctx, wf, "", wf.Status)
	}
	return wf, nil
}

// GetWorkflow returns a workflow with its tasks in sequence order.
func (s *WorkflowService) GetWorkflow(ctx context.Context, key string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, key)
	if err != nil {
		return models.Workflow{}, err
	}
	if wf.Tasks == nil {
		if wf.Tasks, err = s.store.ListTasks(ctx, key); err != nil {
			return models.Workflow{}, errors.Wrapf(err, "failed to load tasks of %s", key)
		}
	}
	return wf, nil
}

func (s *WorkflowService) ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]models.Workflow, error) {
	if filter.Limit < 0 {
		return nil, errors.Wrap(ErrInvalidInput, "limit must not be negative")
	}
	return s.store.ListWorkflows(ctx, filter)
}

// UpdateWorkflow edits plan, requirements or the linked issue number. The
// status is never touched here.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, key string, patch models.WorkflowPatch) (models.Workflow, error) {
	if patch.Empty() {
		return models.Workflow{}, errors.Wrap(ErrInvalidInput, "nothing to update")
	}
	if err := s.store.UpdateWorkflowDetails(ctx, key, patch); err != nil {
		return models.Workflow{}, err
	}
	return s.GetWorkflow(ctx, key)
}

// DeleteWorkflow removes a workflow with its tasks, notifications and test
// results. Normal operation never deletes; this is for administration.
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, key string) error {
	if err := s.store.DeleteWorkflow(ctx, key); err != nil {
		return err
	}
	s.logger.Warnf("Deleted workflow %s", key)
	return nil
}

// Transition moves a workflow to a new status. The current status is read
// under a row lock and the write is a compare-and-swap, so of two concurrent
// requests for the same edge exactly one succeeds. A rejected request leaves
// the workflow unchanged.
func (s *WorkflowService) Transition(ctx context.Context, key string, to models.WorkflowStatus, origin statusgraph.Origin) (wf models.Workflow, err error) {
	ctx, span := tracer.Start(ctx, "workflow.transition", trace.WithAttributes(
		attribute.String("workflow.id", key),
		attribute.String("workflow.to", string(to)),
		attribute.String("workflow.origin", origin.String()),
	))
	defer func() { endSpan(span, err) }()

	var from models.WorkflowStatus
	err = runInTx(s.store, s.logger, func(tx storage.Store) error {
		var txErr error
		from, txErr = s.applyTransition(ctx, tx, key, to, origin)
		return txErr
	})
	recordTransition(ctx, s.graph.Name, from, to, err)
	if err != nil {
		s.logger.Errorf("Failed to transition workflow %s to %s: %v", key, to, err)
		return models.Workflow{}, err
	}
	s.logger.Infof("Workflow %s: %s -> %s (%s)", key, from, to, origin)

	wf, err = s.GetWorkflow(ctx, key)
	if err != nil {
		return models.Workflow{}, err
	}
	s.notify(ctx, wf, from, to)
	return wf, nil
}

// applyTransition performs the locked read, the graph check and the status
// write inside tx. It returns the status the workflow left.
func (s *WorkflowService) applyTransition(ctx context.Context, tx storage.Store, key string, to models.WorkflowStatus, origin statusgraph.Origin) (models.WorkflowStatus, error) {
	current, err := tx.GetWorkflowForUpdate(ctx, key)
	if err != nil {
		return "", err
	}
	from := current.Status
	if err := s.graph.Check(from, to, origin); err != nil {
		return from, err
	}
	if s.graph.IsCompleted(to) {
		tasks, err := tx.ListTasks(ctx, key)
		if err != nil {
			return from, errors.Wrapf(err, "failed to load tasks of %s", key)
		}
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				return from, errors.Wrapf(ErrTasksIncomplete, "task %d of %s is %s", t.Sequence, key, t.Status)
			}
		}
	}
	change := models.StatusChange{
		From:          from,
		To:            to,
		At:            s.now(),
		StampStarted:  to == s.graph.Start,
		StampComplete: s.graph.IsCompleted(to),
	}
	if err := tx.UpdateWorkflowStatus(ctx, key, change); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return from, statusgraph.NewTransitionError(statusgraph.ErrInvalidTransition, from, to)
		}
		return from, errors.Wrapf(err, "failed to update status of %s", key)
	}
	return from, nil
}

// ConfirmPlan is the human confirmation of a planned workflow: it stores the
// plan, creates the tasks in bulk and crosses the gated confirmation edge in
// a single transaction.
func (s *WorkflowService) ConfirmPlan(ctx context.Context, key string, plan *string, tasks []models.NewTask) (models.Workflow, error) {
	var from, to models.WorkflowStatus
	err := runInTx(s.store, s.logger, func(tx storage.Store) error {
		current, err := tx.GetWorkflowForUpdate(ctx, key)
		if err != nil {
			return err
		}
		from = current.Status
		to, err = s.confirmTarget(from)
		if err != nil {
			return err
		}
		if plan != nil {
			if err := tx.UpdateWorkflowDetails(ctx, key, models.WorkflowPatch{Plan: plan}); err != nil {
				return errors.Wrapf(err, "failed to store plan of %s", key)
			}
		}
		if _, err := s.tasks.addTasks(ctx, tx, key, tasks); err != nil {
			return err
		}
		_, err = s.applyTransition(ctx, tx, key, to, statusgraph.OriginHuman)
		return err
	})
	recordTransition(ctx, s.graph.Name, from, to, err)
	if err != nil {
		s.logger.Errorf("Failed to confirm workflow %s: %v", key, err)
		return models.Workflow{}, err
	}
	s.logger.Infof("Workflow %s confirmed with %d tasks", key, len(tasks))

	wf, err := s.GetWorkflow(ctx, key)
	if err != nil {
		return models.Workflow{}, err
	}
	s.notify(ctx, wf, from, to)
	return wf, nil
}

// confirmTarget picks the gated, non-terminal way out of a status that
// waits for plan confirmation.
func (s *WorkflowService) confirmTarget(from models.WorkflowStatus) (models.WorkflowStatus, error) {
	for _, to := range s.graph.Targets(from) {
		if s.graph.IsHumanGated(from, to) && !s.graph.IsTerminal(to) {
			return to, nil
		}
	}
	return "", errors.Wrap(statusgraph.NewTransitionError(statusgraph.ErrInvalidTransition, from, from),
		"workflow is not waiting for plan confirmation")
}

func (s *WorkflowService) notify(ctx context.Context, wf models.Workflow, from, to models.WorkflowStatus) {
	if s.notifications == nil {
		return
	}
	event := notify.Event{Workflow: wf, From: from, To: to, TasksTotal: len(wf.Tasks)}
	for _, t := range wf.Tasks {
		switch t.Status {
		case models.CompletedTaskStatus, models.SkippedTaskStatus:
			event.TasksDone++
		case models.FailedTaskStatus:
			if t.ErrorMessage != nil && event.Error == "" {
				event.Error = fmt.Sprintf("task %d: %s", t.Sequence, *t.ErrorMessage)
			}
		}
	}
	if results, err := s.store.ListTestResults(ctx, wf.WorkflowID); err == nil {
		for _, r := range results {
			event.TestsTotal++
			if r.Passed {
				event.TestsPassed++
			}
		}
	}
	s.notifications.OnTransition(ctx, event)
}
