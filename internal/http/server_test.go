package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_http "github.com/baja5b/claude-workflow-system/internal/http"
	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Send(_ context.Context, _ string, message string) (bool, error) {
	n.messages = append(n.messages, message)
	return true, nil
}

func newServer(t *testing.T, opts internal_http.Options) (*httptest.Server, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	notifications := service.NewNotificationService(store, notifier, notify.NewHook(statusgraph.Local()), log.GetLogger())
	svc := internal_http.Services{
		Workflows:     service.NewWorkflowService(store, log.GetLogger(), service.WithNotifications(notifications)),
		Notifications: notifications,
		Tests:         service.NewTestResultService(store, nil, log.GetLogger()),
	}
	srv := httptest.NewServer(internal_http.NewHandler(svc, opts))
	t.Cleanup(srv.Close)
	return srv, notifier
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createWorkflow(t *testing.T, srv *httptest.Server, project string) models.Workflow {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/workflows", models.NewWorkflow{Project: project, Title: "Add search"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wf models.Workflow
	decodeBody(t, resp, &wf)
	return wf
}

func TestServer_Health(t *testing.T) {
	srv, _ := newServer(t, internal_http.Options{})
	resp := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])

	down := httptest.NewServer(internal_http.NewHandler(internal_http.Services{
		Ping: func(context.Context) error { return errors.New("connection refused") },
	}, internal_http.Options{}))
	defer down.Close()
	resp = do(t, down, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_WorkflowLifecycle(t *testing.T) {
	srv, notifier := newServer(t, internal_http.Options{})
	wf := createWorkflow(t, srv, "shop")
	assert.Equal(t, models.PlanningWorkflowStatus, wf.Status)

	plan := "1. index\n2. query"
	resp := do(t, srv, http.MethodPost, "/workflows/"+wf.WorkflowID+"/confirm", map[string]interface{}{
		"plan":  plan,
		"tasks": []models.NewTask{{Description: "build index"}, {Description: "query api"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &wf)
	assert.Equal(t, models.ConfirmedWorkflowStatus, wf.Status)
	require.Len(t, wf.Tasks, 2)

	resp = do(t, srv, http.MethodPatch, "/workflows/"+wf.WorkflowID+"/status", map[string]string{"status": "executing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/workflows/"+wf.WorkflowID+"/tasks/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next struct {
		Decision string       `json:"decision"`
		Task     *models.Task `json:"task"`
	}
	decodeBody(t, resp, &next)
	assert.Equal(t, "next", next.Decision)
	require.NotNil(t, next.Task)
	assert.Equal(t, 1, next.Task.Sequence)

	for _, task := range wf.Tasks {
		path := fmt.Sprintf("/tasks/%d", task.ID)
		resp = do(t, srv, http.MethodPatch, path, models.TaskUpdate{Status: models.InProgressTaskStatus})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp = do(t, srv, http.MethodPatch, path, models.TaskUpdate{Status: models.CompletedTaskStatus})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	for _, st := range []string{"TESTING", "DOCUMENTING", "COMPLETED"} {
		resp = do(t, srv, http.MethodPatch, "/workflows/"+wf.WorkflowID+"/status", map[string]string{"status": st})
		require.Equal(t, http.StatusOK, resp.StatusCode, st)
	}

	resp = do(t, srv, http.MethodGet, "/workflows/"+wf.WorkflowID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &wf)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.NotNil(t, wf.CompletedAt)

	resp = do(t, srv, http.MethodPost, "/workflows/"+wf.WorkflowID+"/tasks", map[string]interface{}{
		"tasks": []models.NewTask{{Description: "late"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/workflows/"+wf.WorkflowID+"/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notes []models.Notification
	decodeBody(t, resp, &notes)
	assert.Len(t, notes, 6)
	assert.Equal(t, models.DecisionNotification, notes[0].Type)
	assert.Len(t, notifier.messages, 6)

	resp = do(t, srv, http.MethodGet, "/stats", nil)
	var stats models.Stats
	decodeBody(t, resp, &stats)
	assert.Equal(t, models.Stats{TotalWorkflows: 1, Completed: 1, Active: 0}, stats)
}

func TestServer_ErrorMapping(t *testing.T) {
	srv, _ := newServer(t, internal_http.Options{})
	wf := createWorkflow(t, srv, "shop")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"UnknownWorkflow", http.MethodGet, "/workflows/WF-1999-404", nil, http.StatusNotFound},
		{"InvalidTransition", http.MethodPatch, "/workflows/" + wf.WorkflowID + "/status", map[string]string{"status": "COMPLETED"}, http.StatusConflict},
		{"MissingStatus", http.MethodPatch, "/workflows/" + wf.WorkflowID + "/status", map[string]string{}, http.StatusBadRequest},
		{"MissingTitle", http.MethodPost, "/workflows", models.NewWorkflow{Project: "shop"}, http.StatusBadRequest},
		{"UnknownField", http.MethodPost, "/workflows", map[string]string{"name": "x"}, http.StatusBadRequest},
		{"EmptyPatch", http.MethodPatch, "/workflows/" + wf.WorkflowID, map[string]string{}, http.StatusBadRequest},
		{"BadTaskID", http.MethodPost, "/tasks/abc/skip", nil, http.StatusBadRequest},
		{"UnknownTask", http.MethodPost, "/tasks/999/retry", nil, http.StatusNotFound},
		{"DuplicateKey", http.MethodPost, "/workflows", models.NewWorkflow{WorkflowID: wf.WorkflowID, Project: "shop", Title: "again"}, http.StatusConflict},
		{"BadLimit", http.MethodGet, "/workflows?limit=-3", nil, http.StatusBadRequest},
		{"NoCurrent", http.MethodGet, "/projects/unknown/current", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_ViewsAndTests(t *testing.T) {
	srv, notifier := newServer(t, internal_http.Options{})
	wf := createWorkflow(t, srv, "shop")
	createWorkflow(t, srv, "blog")

	resp := do(t, srv, http.MethodGet, "/workflows?project=shop", nil)
	var list []models.Workflow
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, wf.WorkflowID, list[0].WorkflowID)

	resp = do(t, srv, http.MethodGet, "/projects/shop/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/workflows/active", nil)
	var active []models.ActiveWorkflow
	decodeBody(t, resp, &active)
	assert.Len(t, active, 2)

	resp = do(t, srv, http.MethodPost, "/test-results", models.TestResult{WorkflowID: wf.WorkflowID, TestType: "unit", TestName: "go test ./...", Passed: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/workflows/summary", nil)
	var summaries []models.WorkflowSummary
	decodeBody(t, resp, &summaries)
	require.Len(t, summaries, 2)

	resp = do(t, srv, http.MethodPost, "/workflows/"+wf.WorkflowID+"/decision", map[string]string{"question": "Use Postgres full text search?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, notifier.messages, 3, "one decision per created workflow and the question")
	assert.Contains(t, notifier.messages[2], "full text search")
}

func TestServer_RateLimit(t *testing.T) {
	srv, _ := newServer(t, internal_http.Options{RateLimit: 0.001, Burst: 1})
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodGet, "/health", nil).StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "workflow_transitions_total 1")
	})
	srv, _ := newServer(t, internal_http.Options{Metrics: metrics})
	resp := do(t, srv, http.MethodGet, "/metrics", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "workflow_transitions_total")
}

func TestServer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := internal_http.NewServer("127.0.0.1:0", http.NewServeMux(), 0, 0)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
