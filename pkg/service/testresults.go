package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// TestResultService records test outcomes, either reported by a caller or
// produced by running a suite through a collab.TestRunner.
type TestResultService struct {
	store  storage.Store
	runner collab.TestRunner
	logger Logger
	now    func() time.Time
}

func NewTestResultService(store storage.Store, runner collab.TestRunner, logger Logger) *TestResultService {
	return &TestResultService{
		store:  store,
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends a test result to a workflow.
func (s *TestResultService) Record(ctx context.Context, r models.TestResult) (models.TestResult, error) {
	if r.WorkflowID == "" || r.TestType == "" || r.TestName == "" {
		return models.TestResult{}, errors.Wrap(ErrInvalidInput, "workflow_id, test_type and test_name are required")
	}
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = s.now()
	}
	id, err := s.store.SaveTestResult(ctx, r)
	if err != nil {
		s.logger.Errorf("Failed to record test %s for %s: %v", r.TestName, r.WorkflowID, err)
		return models.TestResult{}, err
	}
	r.ID = id
	recordTestResult(ctx, r.TestType, r.Passed)
	return r, nil
}

func (s *TestResultService) List(ctx context.Context, workflowKey string) ([]models.TestResult, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowKey); err != nil {
		return nil, err
	}
	return s.store.ListTestResults(ctx, workflowKey)
}

// RunSuite runs suite in environment and records the outcome under
// testType. Runner failures are reported as collab.ErrCollaboratorUnavailable
// and nothing is recorded.
func (s *TestResultService) RunSuite(ctx context.Context, workflowKey, environment, suite, testType string) (result models.TestResult, err error) {
	ctx, span := tracer.Start(ctx, "workflow.run_suite", trace.WithAttributes(
		attribute.String("workflow.id", workflowKey),
		attribute.String("test.environment", environment),
		attribute.String("test.suite", suite),
	))
	defer func() { endSpan(span, err) }()

	if s.runner == nil {
		return models.TestResult{}, collab.Unavailable("test runner", errors.New("no test runner configured"))
	}
	if _, err := s.store.GetWorkflow(ctx, workflowKey); err != nil {
		return models.TestResult{}, err
	}

	s.logger.Infof("Running %s tests %q on %s for %s", testType, suite, environment, workflowKey)
	out, err := s.runner.Run(ctx, environment, suite)
	if err != nil {
		s.logger.Warnf("Test run %q on %s failed: %v", suite, environment, err)
		if !errors.Is(err, collab.ErrCollaboratorUnavailable) {
			err = collab.Unavailable("test runner", err)
		}
		return models.TestResult{}, err
	}
	output := out.Output
	return s.Record(ctx, models.TestResult{
		WorkflowID: workflowKey,
		TestType:   testType,
		TestName:   suite,
		Passed:     out.Passed,
		Output:     &output,
	})
}
