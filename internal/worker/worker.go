// Package worker polls the issue tracker and moves issues along the tracker
// status graph. It is an ordinary client of service.IssueFlow: it only ever
// uses automatic edges and leaves every gated edge to a human.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/service"
)

// Workable are the statuses the worker has a handler for. MANUAL TESTING
// and DONE are left alone.
var Workable = []models.WorkflowStatus{
	models.ToDoIssueStatus,
	models.PlannedIssueStatus,
	models.PlannedConfirmedIssueStatus,
	models.InProgressIssueStatus,
	models.ReviewIssueStatus,
	models.TestingIssueStatus,
	models.DocumentationIssueStatus,
}

// Result is what one handler did with one issue.
type Result struct {
	Key    string
	Status models.WorkflowStatus
	Action string
	Err    error
}

type handlerFunc func(ctx context.Context, issue collab.Issue) (string, error)

type Worker struct {
	flow     *service.IssueFlow
	tracker  collab.IssueTracker
	notifier collab.Notifier
	hook     *notify.Hook
	scm      collab.SourceControl
	runner   collab.TestRunner

	baseBranch  string
	environment string
	suite       string
	interval    time.Duration
	concurrency int

	handlers map[models.WorkflowStatus]handlerFunc
}

type Option func(*Worker)

// WithNotifier enables decision requests for blocked issues.
func WithNotifier(n collab.Notifier, hook *notify.Hook) Option {
	return func(w *Worker) {
		w.notifier = n
		w.hook = hook
	}
}

// WithSourceControl enables branch and draft PR creation.
func WithSourceControl(scm collab.SourceControl, baseBranch string) Option {
	return func(w *Worker) {
		w.scm = scm
		if baseBranch != "" {
			w.baseBranch = baseBranch
		}
	}
}

// WithTestRunner enables automated tests in TESTING.
func WithTestRunner(r collab.TestRunner, environment, suite string) Option {
	return func(w *Worker) {
		w.runner = r
		w.environment = environment
		w.suite = suite
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func New(tracker collab.IssueTracker, flow *service.IssueFlow, opts ...Option) *Worker {
	w := &Worker{
		flow:        flow,
		tracker:     tracker,
		baseBranch:  "main",
		interval:    60 * time.Second,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.handlers = map[models.WorkflowStatus]handlerFunc{
		models.ToDoIssueStatus:             w.handleToDo,
		models.PlannedIssueStatus:          w.handlePlanned,
		models.PlannedConfirmedIssueStatus: w.handleConfirmed,
		models.InProgressIssueStatus:       w.handleInProgress,
		models.ReviewIssueStatus:           w.handleReview,
		models.TestingIssueStatus:          w.handleTesting,
		models.DocumentationIssueStatus:    w.handleDocumentation,
	}
	return w
}

// PollOnce lists the workable issues and runs the handler of each one.
// Handler failures are reported on the issue and in the results; only a
// failed listing is returned as an error.
func (w *Worker) PollOnce(ctx context.Context) ([]Result, error) {
	issues, err := w.flow.Workable(ctx, Workable)
	if err != nil {
		return nil, fmt.Errorf("failed to list workable issues: %w", err)
	}
	log.GetLogger().Infof("Found %d issues to process", len(issues))

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(issues))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, issue := range issues {
		g.Go(func() error {
			res, ok := w.process(gctx, issue)
			if ok {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (w *Worker) process(ctx context.Context, issue collab.Issue) (Result, bool) {
	status := models.WorkflowStatus(issue.Status)
	logger := log.GetLogger().WithFields(logrus.Fields{"issue": issue.Key, "status": status})
	handler, ok := w.handlers[status]
	if !ok {
		logger.Debug("No handler for status")
		return Result{}, false
	}
	logger.Info("Processing issue")
	action, err := handler(ctx, issue)
	if err != nil {
		logger.Errorf("Handler error: %v", err)
		if cerr := w.tracker.AddComment(ctx, issue.Key, workerErrorPrefix+" "+err.Error()); cerr != nil {
			logger.Errorf("Failed to report handler error: %v", cerr)
		}
		return Result{Key: issue.Key, Status: status, Err: err}, true
	}
	logger.Info(action)
	return Result{Key: issue.Key, Status: status, Action: action}, true
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.GetLogger().Infof("Worker started (poll interval: %s)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.PollOnce(ctx); err != nil {
			log.GetLogger().Errorf("Poll error: %v", err)
		}
		select {
		case <-ctx.Done():
			log.GetLogger().Info("Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
