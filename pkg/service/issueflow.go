package service

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// IssueFlow applies the status graph contract to issues that live in an
// external tracker instead of the local store.
type IssueFlow struct {
	tracker collab.IssueTracker
	graph   *statusgraph.Graph[models.WorkflowStatus]
	logger  Logger
}

func NewIssueFlow(tracker collab.IssueTracker, graph *statusgraph.Graph[models.WorkflowStatus], logger Logger) *IssueFlow {
	if graph == nil {
		graph = statusgraph.Tracker()
	}
	return &IssueFlow{tracker: tracker, graph: graph, logger: logger}
}

func (f *IssueFlow) Graph() *statusgraph.Graph[models.WorkflowStatus] {
	return f.graph
}

// Status returns the canonical status of an issue.
func (f *IssueFlow) Status(ctx context.Context, key string) (models.WorkflowStatus, error) {
	issue, err := f.tracker.GetIssue(ctx, key)
	if err != nil {
		return "", err
	}
	return f.graph.Normalize(issue.Status), nil
}

// Transition validates from the issue's current status and then asks the
// tracker to move it. It returns the status the issue left.
func (f *IssueFlow) Transition(ctx context.Context, key string, to models.WorkflowStatus, origin statusgraph.Origin) (from models.WorkflowStatus, err error) {
	ctx, span := tracer.Start(ctx, "issue.transition", trace.WithAttributes(
		attribute.String("issue.key", key),
		attribute.String("issue.to", string(to)),
		attribute.String("issue.origin", origin.String()),
	))
	defer func() { endSpan(span, err) }()

	from, err = f.Status(ctx, key)
	if err != nil {
		return "", err
	}
	return f.transitionFrom(ctx, key, from, to, origin)
}

// TransitionFrom is Transition for callers that already know the current
// status, such as the poller which lists issues by status.
func (f *IssueFlow) TransitionFrom(ctx context.Context, key string, from, to models.WorkflowStatus, origin statusgraph.Origin) error {
	_, err := f.transitionFrom(ctx, key, from, to, origin)
	return err
}

func (f *IssueFlow) transitionFrom(ctx context.Context, key string, from, to models.WorkflowStatus, origin statusgraph.Origin) (models.WorkflowStatus, error) {
	err := f.graph.Check(from, to, origin)
	recordTransition(ctx, f.graph.Name, from, to, err)
	if err != nil {
		return from, err
	}
	if err := f.tracker.Transition(ctx, key, string(to)); err != nil {
		if !permanent(err) && !errors.Is(err, collab.ErrCollaboratorUnavailable) {
			err = collab.Unavailable("issue tracker", err)
		}
		f.logger.Errorf("Failed to move %s to %s: %v", key, to, err)
		return from, err
	}
	f.logger.Infof("Issue %s: %s -> %s (%s)", key, from, to, origin)
	return from, nil
}

// permanent reports tracker answers that a retry cannot change: the issue is
// gone or its workflow has no such transition.
func permanent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, collab.ErrNoTransition)
}

// Workable lists issues in the given statuses.
func (f *IssueFlow) Workable(ctx context.Context, statuses []models.WorkflowStatus) ([]collab.Issue, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	issues, err := f.tracker.ListByStatus(ctx, names)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		issues[i].Status = string(f.graph.Normalize(issues[i].Status))
	}
	return issues, nil
}
