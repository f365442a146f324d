package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// The views below are read-only projections. Transitions never consult
// them; they always read the workflow row itself.

// ActiveWorkflows lists workflows outside the graph's terminal set with
// their completed and failed task counts.
func (s *WorkflowService) ActiveWorkflows(ctx context.Context) ([]models.ActiveWorkflow, error) {
	return s.store.ActiveWorkflows(ctx, s.graph.Terminal)
}

// Summaries returns task and test totals per workflow, newest first.
func (s *WorkflowService) Summaries(ctx context.Context) ([]models.WorkflowSummary, error) {
	return s.store.WorkflowSummaries(ctx)
}

func (s *WorkflowService) Stats(ctx context.Context) (models.Stats, error) {
	return s.store.Stats(ctx, s.graph.Completed, s.graph.Terminal)
}

// CurrentWorkflow returns the newest non-terminal workflow of a project,
// the "one active workflow per project" convention expressed as a query.
func (s *WorkflowService) CurrentWorkflow(ctx context.Context, project string) (models.Workflow, error) {
	if project == "" {
		return models.Workflow{}, errors.Wrap(ErrInvalidInput, "project is required")
	}
	active, err := s.store.ActiveWorkflows(ctx, s.graph.Terminal)
	if err != nil {
		return models.Workflow{}, err
	}
	for _, a := range active {
		if a.Project == project {
			return s.GetWorkflow(ctx, a.WorkflowID)
		}
	}
	return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "no active workflow for project %s", project)
}
