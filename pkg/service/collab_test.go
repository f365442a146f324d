package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

type fakeNotifier struct {
	mu   sync.Mutex
	fail bool
	sent []string
}

func (n *fakeNotifier) Send(_ context.Context, _ string, message string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return false, errors.New("telegram is down")
	}
	n.sent = append(n.sent, message)
	return true, nil
}

func (n *fakeNotifier) setFail(fail bool) {
	n.mu.Lock()
	n.fail = fail
	n.mu.Unlock()
}

type fakeTracker struct {
	status      map[string]string
	transitions []string
	fail        error
}

func (f *fakeTracker) GetIssue(_ context.Context, key string) (collab.Issue, error) {
	st, ok := f.status[key]
	if !ok {
		return collab.Issue{}, storage.ErrNotFound
	}
	return collab.Issue{Key: key, Status: st}, nil
}

func (f *fakeTracker) ListByStatus(_ context.Context, statuses []string) ([]collab.Issue, error) {
	var out []collab.Issue
	for key, st := range f.status {
		for _, want := range statuses {
			if strings.EqualFold(st, want) {
				out = append(out, collab.Issue{Key: key, Status: st})
			}
		}
	}
	return out, nil
}

func (f *fakeTracker) CreateIssue(context.Context, string, string, string) (string, error) {
	return "MT-1", nil
}

func (f *fakeTracker) AddComment(context.Context, string, string) error { return nil }

func (f *fakeTracker) Comments(context.Context, string) ([]collab.Comment, error) { return nil, nil }

func (f *fakeTracker) Transition(_ context.Context, key, target string) error {
	if f.fail != nil {
		return f.fail
	}
	f.transitions = append(f.transitions, key+"->"+target)
	f.status[key] = target
	return nil
}

type fakeRunner struct {
	outcome collab.TestOutcome
	err     error
}

func (r fakeRunner) Run(context.Context, string, string) (collab.TestOutcome, error) {
	return r.outcome, r.err
}

func TestNotificationService(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*service.WorkflowService, *service.NotificationService, *fakeNotifier) {
		store := storage.NewMemoryStore()
		notifier := &fakeNotifier{}
		ns := service.NewNotificationService(store, notifier, notify.NewHook(statusgraph.Local()), logger{})
		return service.NewWorkflowService(store, logger{}, service.WithNotifications(ns)), ns, notifier
	}

	t.Run("TransitionsNotify", func(t *testing.T) {
		svc, ns, notifier := setup(t)
		wf := newWorkflow(t, svc, "notify")
		for _, to := range localPath {
			_, err := svc.Transition(ctx, wf.WorkflowID, to, statusgraph.OriginHuman)
			require.NoError(t, err)
		}

		list, err := ns.List(ctx, wf.WorkflowID)
		require.NoError(t, err)
		require.Len(t, list, 6)
		types := make([]models.NotificationType, 0, len(list))
		for _, n := range list {
			types = append(types, n.Type)
			assert.True(t, n.Delivered)
		}
		assert.Equal(t, []models.NotificationType{
			models.DecisionNotification,
			models.ProgressNotification,
			models.StartNotification,
			models.ProgressNotification,
			models.ProgressNotification,
			models.EndNotification,
		}, types)
		assert.Len(t, notifier.sent, 6)
		assert.Contains(t, notifier.sent[0], "PLANNING needs confirmation")
	})

	t.Run("DeliveryFailureDoesNotRollBack", func(t *testing.T) {
		svc, ns, notifier := setup(t)
		wf := newWorkflow(t, svc, "down")
		notifier.setFail(true)

		got, err := svc.Transition(ctx, wf.WorkflowID, models.ConfirmedWorkflowStatus, statusgraph.OriginHuman)
		require.NoError(t, err)
		assert.Equal(t, models.ConfirmedWorkflowStatus, got.Status)

		list, err := ns.List(ctx, wf.WorkflowID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.True(t, list[0].Delivered, "decision request sent on create")
		assert.False(t, list[1].Delivered)

		_, err = ns.Retry(ctx, list[1].ID)
		assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))

		notifier.setFail(false)
		n, err := ns.Retry(ctx, list[1].ID)
		require.NoError(t, err)
		assert.True(t, n.Delivered)

		sent, err := ns.RetryUndelivered(ctx, wf.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, 0, sent)
	})

	t.Run("RequestDecision", func(t *testing.T) {
		svc, ns, notifier := setup(t)
		wf := newWorkflow(t, svc, "ask")

		_, err := ns.RequestDecision(ctx, wf.WorkflowID, "")
		assert.True(t, errors.Is(err, service.ErrInvalidInput))

		n, err := ns.RequestDecision(ctx, wf.WorkflowID, "Drop the legacy endpoint?")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionNotification, n.Type)
		assert.True(t, n.Delivered)
		require.Len(t, notifier.sent, 2)
		assert.Contains(t, notifier.sent[1], "Drop the legacy endpoint?")

		_, err = ns.RequestDecision(ctx, "WF-1999-404", "?")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("NoNotifierRecordsUndelivered", func(t *testing.T) {
		store := storage.NewMemoryStore()
		ns := service.NewNotificationService(store, nil, notify.NewHook(statusgraph.Local()), logger{})
		svc := service.NewWorkflowService(store, logger{}, service.WithNotifications(ns))
		wf := newWorkflow(t, svc, "offline")
		_, err := svc.Transition(ctx, wf.WorkflowID, models.ConfirmedWorkflowStatus, statusgraph.OriginHuman)
		require.NoError(t, err)

		list, err := ns.List(ctx, wf.WorkflowID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, n := range list {
			assert.False(t, n.Delivered)
		}
	})

	t.Run("CreateAsksOnlyWhenHumanGated", func(t *testing.T) {
		store := storage.NewMemoryStore()
		notifier := &fakeNotifier{}
		ns := service.NewNotificationService(store, notifier, notify.NewHook(statusgraph.Tracker()), logger{})
		svc := service.NewWorkflowService(store, logger{}, service.WithGraph(statusgraph.Tracker()), service.WithNotifications(ns))
		wf := newWorkflow(t, svc, "tracked")

		list, err := ns.List(ctx, wf.WorkflowID)
		require.NoError(t, err)
		assert.Empty(t, list, "TO DO is left automatically")
		assert.Empty(t, notifier.sent)
	})
}

func TestTestResultService(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, logger{})
	wf := newWorkflow(t, svc, "tests")

	t.Run("Record", func(t *testing.T) {
		results := service.NewTestResultService(store, nil, logger{})
		_, err := results.Record(ctx, models.TestResult{WorkflowID: wf.WorkflowID, TestType: "unit"})
		assert.True(t, errors.Is(err, service.ErrInvalidInput))

		r, err := results.Record(ctx, models.TestResult{WorkflowID: wf.WorkflowID, TestType: "unit", TestName: "go test", Passed: true})
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.False(t, r.ExecutedAt.IsZero())

		_, err = results.Record(ctx, models.TestResult{WorkflowID: "WF-1999-404", TestType: "unit", TestName: "x"})
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		_, err = results.RunSuite(ctx, wf.WorkflowID, "staging", "smoke", "e2e")
		assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
	})

	t.Run("RunSuite", func(t *testing.T) {
		results := service.NewTestResultService(store, fakeRunner{outcome: collab.TestOutcome{Passed: false, Output: "2 failed"}}, logger{})
		r, err := results.RunSuite(ctx, wf.WorkflowID, "staging", "smoke", "e2e")
		require.NoError(t, err)
		assert.False(t, r.Passed)
		require.NotNil(t, r.Output)
		assert.Equal(t, "2 failed", *r.Output)
		assert.Equal(t, "smoke", r.TestName)

		broken := service.NewTestResultService(store, fakeRunner{err: errors.New("ssh: connection refused")}, logger{})
		_, err = broken.RunSuite(ctx, wf.WorkflowID, "staging", "smoke", "e2e")
		assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))

		list, err := results.List(ctx, wf.WorkflowID)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestIssueFlow(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{status: map[string]string{"MT-7": "Zu erledigen", "MT-8": "PLANNED"}}
	flow := service.NewIssueFlow(tracker, nil, logger{})

	st, err := flow.Status(ctx, "MT-7")
	require.NoError(t, err)
	assert.Equal(t, models.ToDoIssueStatus, st)

	from, err := flow.Transition(ctx, "MT-7", models.PlannedIssueStatus, statusgraph.OriginAutomatic)
	require.NoError(t, err)
	assert.Equal(t, models.ToDoIssueStatus, from)
	assert.Equal(t, []string{"MT-7->PLANNED"}, tracker.transitions)

	_, err = flow.Transition(ctx, "MT-8", models.PlannedConfirmedIssueStatus, statusgraph.OriginAutomatic)
	assert.True(t, errors.Is(err, statusgraph.ErrHumanGated))

	_, err = flow.Transition(ctx, "MT-8", models.DoneIssueStatus, statusgraph.OriginHuman)
	assert.True(t, errors.Is(err, statusgraph.ErrInvalidTransition))
	assert.Len(t, tracker.transitions, 1, "rejected transitions never reach the tracker")

	issues, err := flow.Workable(ctx, []models.WorkflowStatus{models.PlannedIssueStatus})
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	tracker.fail = errors.New("502 bad gateway")
	_, err = flow.Transition(ctx, "MT-8", models.PlannedConfirmedIssueStatus, statusgraph.OriginHuman)
	assert.True(t, errors.Is(err, collab.ErrCollaboratorUnavailable))
}

func TestIssueFlow_PermanentTrackerErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"NoTransition", errors.Wrap(collab.ErrNoTransition, "MT-8 to \"PLANNED_CONFIRMED\""), collab.ErrNoTransition},
		{"IssueGone", errors.Wrap(storage.ErrNotFound, "404 issue does not exist"), storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &fakeTracker{status: map[string]string{"MT-8": "PLANNED"}, fail: tt.err}
			flow := service.NewIssueFlow(tracker, nil, logger{})

			_, err := flow.Transition(ctx, "MT-8", models.PlannedConfirmedIssueStatus, statusgraph.OriginHuman)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.False(t, errors.Is(err, collab.ErrCollaboratorUnavailable), "not retryable: %v", err)
		})
	}
}
