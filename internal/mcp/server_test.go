package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/internal/worker"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

type silentNotifier struct{ sent int }

func (n *silentNotifier) Send(context.Context, string, string) (bool, error) {
	n.sent++
	return true, nil
}

func newTools(t *testing.T) (map[string]server.ToolHandlerFunc, *silentNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &silentNotifier{}
	notifications := service.NewNotificationService(store, notifier, notify.NewHook(statusgraph.Local(), notify.WithProgress(false)), log.GetLogger())
	tools := NewTools(Services{
		Workflows:     service.NewWorkflowService(store, log.GetLogger(), service.WithNotifications(notifications)),
		Notifications: notifications,
		Tests:         service.NewTestResultService(store, nil, log.GetLogger()),
	})
	handlers := map[string]server.ToolHandlerFunc{}
	for _, st := range tools.ServerTools() {
		handlers[st.Tool.Name] = st.Handler
	}
	return handlers, notifier
}

func call(t *testing.T, handlers map[string]server.ToolHandlerFunc, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	h, ok := handlers[name]
	require.True(t, ok, "tool %s is registered", name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func callJSON(t *testing.T, handlers map[string]server.ToolHandlerFunc, name string, args map[string]interface{}, v interface{}) {
	t.Helper()
	res := call(t, handlers, name, args)
	require.False(t, res.IsError, text(t, res))
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), v))
}

func TestTools_Registered(t *testing.T) {
	handlers, _ := newTools(t)
	for _, name := range []string{
		"workflow_create", "workflow_get", "workflow_list", "workflow_list_active",
		"workflow_update", "workflow_transition", "workflow_confirm", "workflow_add_task",
		"workflow_update_task", "workflow_get_tasks", "workflow_next_task",
		"workflow_add_test_result", "workflow_stats", "workflow_request_decision",
		"workflow_poll_once",
	} {
		assert.Contains(t, handlers, name)
	}
	assert.Len(t, handlers, 15)
	assert.NotNil(t, New(Services{}))
}

func TestTools_Lifecycle(t *testing.T) {
	handlers, notifier := newTools(t)

	var wf models.Workflow
	callJSON(t, handlers, "workflow_create", map[string]interface{}{"project": "shop", "title": "Wishlist"}, &wf)
	assert.Equal(t, models.PlanningWorkflowStatus, wf.Status)
	key := wf.WorkflowID

	res := call(t, handlers, "workflow_transition", map[string]interface{}{"workflow_id": key, "status": "CONFIRMED"})
	assert.True(t, res.IsError, "an assistant cannot confirm on its own")
	assert.Contains(t, text(t, res), "human confirmation")

	callJSON(t, handlers, "workflow_confirm", map[string]interface{}{
		"workflow_id": key,
		"plan":        "store wishlist items",
		"tasks":       []interface{}{"migration", "endpoint"},
	}, &wf)
	assert.Equal(t, models.ConfirmedWorkflowStatus, wf.Status)
	require.Len(t, wf.Tasks, 2)

	callJSON(t, handlers, "workflow_transition", map[string]interface{}{"workflow_id": key, "status": "executing"}, &wf)
	assert.Equal(t, models.ExecutingWorkflowStatus, wf.Status)

	var task models.Task
	callJSON(t, handlers, "workflow_add_task", map[string]interface{}{"workflow_id": key, "description": "docs"}, &task)
	assert.Equal(t, 3, task.Sequence)

	var d service.Decision
	callJSON(t, handlers, "workflow_next_task", map[string]interface{}{"workflow_id": key}, &d)
	assert.Equal(t, service.DecisionNext, d.Kind)
	require.NotNil(t, d.Task)

	res = call(t, handlers, "workflow_update_task", map[string]interface{}{"task_id": float64(wf.Tasks[1].ID), "status": "IN_PROGRESS"})
	assert.True(t, res.IsError, "tasks run in sequence")

	callJSON(t, handlers, "workflow_update_task", map[string]interface{}{"task_id": float64(d.Task.ID), "status": "IN_PROGRESS"}, &task)
	callJSON(t, handlers, "workflow_update_task", map[string]interface{}{"task_id": float64(d.Task.ID), "status": "FAILED", "error_message": "lint"}, &task)
	res = call(t, handlers, "workflow_update_task", map[string]interface{}{"task_id": float64(d.Task.ID), "status": "PENDING"})
	assert.True(t, res.IsError, "retry is gated")
	callJSON(t, handlers, "workflow_update_task", map[string]interface{}{"task_id": float64(d.Task.ID), "status": "PENDING", "origin": "human"}, &task)
	assert.Equal(t, models.PendingTaskStatus, task.Status)

	var tasks []models.Task
	callJSON(t, handlers, "workflow_get_tasks", map[string]interface{}{"workflow_id": key}, &tasks)
	assert.Len(t, tasks, 3)

	var result models.TestResult
	callJSON(t, handlers, "workflow_add_test_result", map[string]interface{}{
		"workflow_id": key, "test_type": "unit", "test_name": "go test", "passed": true,
	}, &result)
	assert.True(t, result.Passed)

	var n models.Notification
	callJSON(t, handlers, "workflow_request_decision", map[string]interface{}{"workflow_id": key, "question": "Ship behind a flag?"}, &n)
	assert.Equal(t, models.DecisionNotification, n.Type)
	assert.Equal(t, 3, notifier.sent, "plan decision, start and the question; progress is disabled")

	var stats models.Stats
	callJSON(t, handlers, "workflow_stats", nil, &stats)
	assert.Equal(t, 1, stats.Active)

	var active []models.ActiveWorkflow
	callJSON(t, handlers, "workflow_list_active", nil, &active)
	assert.Len(t, active, 1)
}

func TestTools_Errors(t *testing.T) {
	handlers, _ := newTools(t)

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
	}{
		{"MissingKey", "workflow_get", map[string]interface{}{}},
		{"UnknownWorkflow", "workflow_get", map[string]interface{}{"workflow_id": "WF-1999-404"}},
		{"MissingTitle", "workflow_create", map[string]interface{}{"project": "shop"}},
		{"BadOrigin", "workflow_transition", map[string]interface{}{"workflow_id": "WF-1", "status": "CONFIRMED", "origin": "robot"}},
		{"FractionalLimit", "workflow_list", map[string]interface{}{"limit": 2.5}},
		{"EmptyUpdate", "workflow_update", map[string]interface{}{"workflow_id": "WF-1"}},
		{"PassedNotBool", "workflow_add_test_result", map[string]interface{}{"workflow_id": "WF-1", "test_type": "unit", "test_name": "x", "passed": "yes"}},
		{"TaskNotString", "workflow_confirm", map[string]interface{}{"workflow_id": "WF-1", "tasks": []interface{}{1}}},
		{"MissingTaskID", "workflow_update_task", map[string]interface{}{"status": "IN_PROGRESS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, handlers, tt.tool, tt.args)
			assert.True(t, res.IsError)
		})
	}
}

func TestTools_ListFilters(t *testing.T) {
	handlers, _ := newTools(t)
	for _, project := range []string{"shop", "blog", "shop"} {
		call(t, handlers, "workflow_create", map[string]interface{}{"project": project, "title": "work"})
	}

	var list []models.Workflow
	callJSON(t, handlers, "workflow_list", map[string]interface{}{"project": "shop"}, &list)
	assert.Len(t, list, 2)
	callJSON(t, handlers, "workflow_list", map[string]interface{}{"limit": float64(1)}, &list)
	assert.Len(t, list, 1)
	callJSON(t, handlers, "workflow_list", map[string]interface{}{"status": "planning"}, &list)
	assert.Len(t, list, 3)

	var wf models.Workflow
	callJSON(t, handlers, "workflow_update", map[string]interface{}{"workflow_id": list[0].WorkflowID, "github_issue_number": float64(12)}, &wf)
	require.NotNil(t, wf.IssueNumber)
	assert.Equal(t, 12, *wf.IssueNumber)
}

type fakePoller struct {
	results []worker.Result
	err     error
}

func (p fakePoller) PollOnce(context.Context) ([]worker.Result, error) {
	return p.results, p.err
}

func TestTools_PollOnce(t *testing.T) {
	res := call(t, toolHandlers(Services{}), "workflow_poll_once", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not configured")

	handlers := toolHandlers(Services{Poller: fakePoller{results: []worker.Result{
		{Key: "MT-1", Status: models.ToDoIssueStatus, Action: "planned"},
		{Key: "MT-2", Status: models.TestingIssueStatus, Err: errors.New("runner offline")},
	}}})
	var got []map[string]string
	callJSON(t, handlers, "workflow_poll_once", nil, &got)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]string{"key": "MT-1", "status": "TO DO", "action": "planned"}, got[0])
	assert.Equal(t, "runner offline", got[1]["error"])

	res = call(t, toolHandlers(Services{Poller: fakePoller{err: errors.New("jira down")}}), "workflow_poll_once", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "jira down")
}

func toolHandlers(svc Services) map[string]server.ToolHandlerFunc {
	handlers := map[string]server.ToolHandlerFunc{}
	for _, st := range NewTools(svc).ServerTools() {
		handlers[st.Tool.Name] = st.Handler
	}
	return handlers
}
