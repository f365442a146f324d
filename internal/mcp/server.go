// Package mcp exposes the workflow operations as MCP tools so an assistant
// can drive a workflow over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/baja5b/claude-workflow-system/internal/worker"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Poller runs a single cycle of the tracker worker.
type Poller interface {
	PollOnce(ctx context.Context) ([]worker.Result, error)
}

type Services struct {
	Workflows     *service.WorkflowService
	Notifications *service.NotificationService
	Tests         *service.TestResultService
	Poller        Poller
}

type Tools struct {
	svc Services
}

func NewTools(svc Services) *Tools {
	return &Tools{svc: svc}
}

// New creates the MCP server with every workflow tool registered.
func New(svc Services) *server.MCPServer {
	s := server.NewMCPServer(
		"claude-workflow",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.AddTools(NewTools(svc).ServerTools()...)
	return s
}

// Serve runs the server on stdin/stdout until the client disconnects.
func Serve(svc Services) error {
	return server.ServeStdio(New(svc))
}

func (t *Tools) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mcp.NewTool("workflow_create",
			mcp.WithDescription("Create a new workflow in the initial planning status"),
			mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short description of the work")),
			mcp.WithString("requirements", mcp.Description("Requirements text")),
			mcp.WithString("project_path", mcp.Description("Filesystem path of the project")),
			mcp.WithString("workflow_id", mcp.Description("Explicit key; generated as WF-YYYY-NNN when empty")),
		), Handler: t.create},
		{Tool: mcp.NewTool("workflow_get",
			mcp.WithDescription("Get a workflow with its tasks"),
			mcp.WithString("workflow_id", mcp.Required()),
		), Handler: t.get},
		{Tool: mcp.NewTool("workflow_list",
			mcp.WithDescription("List workflows, newest first"),
			mcp.WithString("status", mcp.Description("Filter by status")),
			mcp.WithString("project", mcp.Description("Filter by project")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of workflows, default 50")),
		), Handler: t.list},
		{Tool: mcp.NewTool("workflow_list_active",
			mcp.WithDescription("List workflows that are not in a terminal status, with task counts"),
		), Handler: t.listActive},
		{Tool: mcp.NewTool("workflow_update",
			mcp.WithDescription("Update plan, requirements or linked issue number of a workflow"),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("plan"),
			mcp.WithString("requirements"),
			mcp.WithNumber("github_issue_number"),
		), Handler: t.update},
		{Tool: mcp.NewTool("workflow_transition",
			mcp.WithDescription("Move a workflow to another status. Gated edges need origin=human, which must only be sent when relaying an explicit user confirmation."),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("status", mcp.Required(), mcp.Description("Target status")),
			mcp.WithString("origin", mcp.Enum("automatic", "human"), mcp.Description("Who initiates the change, default automatic")),
		), Handler: t.transition},
		{Tool: mcp.NewTool("workflow_confirm",
			mcp.WithDescription("Record the user's plan confirmation: stores the plan, creates the tasks and confirms the workflow in one step"),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("plan"),
			mcp.WithArray("tasks", mcp.Required(), mcp.Description("Task descriptions in execution order"), mcp.Items(map[string]any{"type": "string"})),
		), Handler: t.confirm},
		{Tool: mcp.NewTool("workflow_add_task",
			mcp.WithDescription("Append a task to a workflow"),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("description", mcp.Required()),
			mcp.WithNumber("sequence", mcp.Description("Position; appended after the last task when omitted")),
		), Handler: t.addTask},
		{Tool: mcp.NewTool("workflow_update_task",
			mcp.WithDescription("Change the status of a task"),
			mcp.WithNumber("task_id", mcp.Required()),
			mcp.WithString("status", mcp.Required(), mcp.Enum(
				string(models.PendingTaskStatus), string(models.InProgressTaskStatus), string(models.CompletedTaskStatus),
				string(models.FailedTaskStatus), string(models.SkippedTaskStatus))),
			mcp.WithString("result"),
			mcp.WithString("error_message"),
			mcp.WithString("origin", mcp.Enum("automatic", "human")),
		), Handler: t.updateTask},
		{Tool: mcp.NewTool("workflow_get_tasks",
			mcp.WithDescription("List the tasks of a workflow in sequence order"),
			mcp.WithString("workflow_id", mcp.Required()),
		), Handler: t.getTasks},
		{Tool: mcp.NewTool("workflow_next_task",
			mcp.WithDescription("Decide which task to work on next"),
			mcp.WithString("workflow_id", mcp.Required()),
		), Handler: t.nextTask},
		{Tool: mcp.NewTool("workflow_add_test_result",
			mcp.WithDescription("Record the outcome of a test run"),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("test_type", mcp.Required(), mcp.Description("unit, integration, e2e, manual, ...")),
			mcp.WithString("test_name", mcp.Required()),
			mcp.WithBoolean("passed", mcp.Required()),
			mcp.WithString("output"),
		), Handler: t.addTestResult},
		{Tool: mcp.NewTool("workflow_stats",
			mcp.WithDescription("Workflow totals: all, completed and active"),
		), Handler: t.stats},
		{Tool: mcp.NewTool("workflow_request_decision",
			mcp.WithDescription("Ask the user a question through the notification channel"),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("question", mcp.Required()),
		), Handler: t.requestDecision},
		{Tool: mcp.NewTool("workflow_poll_once",
			mcp.WithDescription("Run one cycle of the issue tracker worker and report what each handler did"),
		), Handler: t.pollOnce},
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports a domain failure to the assistant as a tool result, not a
// protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func optionalString(req mcp.CallToolRequest, key string) *string {
	if v := req.GetString(key, ""); v != "" {
		return &v
	}
	return nil
}

func parseOrigin(req mcp.CallToolRequest) (statusgraph.Origin, error) {
	switch req.GetString("origin", "automatic") {
	case "automatic":
		return statusgraph.OriginAutomatic, nil
	case "human":
		return statusgraph.OriginHuman, nil
	default:
		return 0, fmt.Errorf("origin must be automatic or human")
	}
}

// intArg accepts JSON numbers and numeric strings.
func intArg(req mcp.CallToolRequest, key string) (int, bool, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), true, nil
	case int:
		return v, true, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer", key)
	}
}

func (t *Tools) create(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := models.NewWorkflow{
		WorkflowID:   req.GetString("workflow_id", ""),
		Project:      req.GetString("project", ""),
		Title:        req.GetString("title", ""),
		Requirements: optionalString(req, "requirements"),
		ProjectPath:  optionalString(req, "project_path"),
	}
	wf, err := t.svc.Workflows.CreateWorkflow(ctx, in)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(wf)
}

func (t *Tools) get(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	wf, err := t.svc.Workflows.GetWorkflow(ctx, key)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(wf)
}

func (t *Tools) list(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := models.WorkflowFilter{Project: req.GetString("project", "")}
	if st := req.GetString("status", ""); st != "" {
		filter.Status = t.svc.Workflows.Graph().Normalize(st)
	}
	limit, _, err := intArg(req, "limit")
	if err != nil {
		return toolError(err)
	}
	filter.Limit = limit
	list, err := t.svc.Workflows.ListWorkflows(ctx, filter)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(list)
}

func (t *Tools) listActive(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.svc.Workflows.ActiveWorkflows(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(list)
}

func (t *Tools) update(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	patch := models.WorkflowPatch{
		Plan:         optionalString(req, "plan"),
		Requirements: optionalString(req, "requirements"),
	}
	issue, ok, err := intArg(req, "github_issue_number")
	if err != nil {
		return toolError(err)
	}
	if ok {
		patch.IssueNumber = &issue
	}
	wf, err := t.svc.Workflows.UpdateWorkflow(ctx, key, patch)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(wf)
}

func (t *Tools) transition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	status, err := req.RequireString("status")
	if err != nil {
		return toolError(err)
	}
	origin, err := parseOrigin(req)
	if err != nil {
		return toolError(err)
	}
	wf, err := t.svc.Workflows.Transition(ctx, key, t.svc.Workflows.Graph().Normalize(status), origin)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(wf)
}

func (t *Tools) confirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	raw, _ := req.GetArguments()["tasks"].([]interface{})
	tasks := make([]models.NewTask, 0, len(raw))
	for i, item := range raw {
		desc, ok := item.(string)
		if !ok {
			return toolError(fmt.Errorf("tasks[%d] must be a string", i))
		}
		tasks = append(tasks, models.NewTask{Description: desc})
	}
	wf, err := t.svc.Workflows.ConfirmPlan(ctx, key, optionalString(req, "plan"), tasks)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(wf)
}

func (t *Tools) addTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	desc, err := req.RequireString("description")
	if err != nil {
		return toolError(err)
	}
	seq, _, err := intArg(req, "sequence")
	if err != nil {
		return toolError(err)
	}
	created, err := t.svc.Workflows.Tasks().AddTasks(ctx, key, []models.NewTask{{Sequence: seq, Description: desc}})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(created[0])
}

func (t *Tools) updateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok, err := intArg(req, "task_id")
	if err != nil {
		return toolError(err)
	}
	if !ok {
		return toolError(fmt.Errorf("task_id is required"))
	}
	status, err := req.RequireString("status")
	if err != nil {
		return toolError(err)
	}
	origin, err := parseOrigin(req)
	if err != nil {
		return toolError(err)
	}
	update := models.TaskUpdate{
		Status:       models.TaskStatus(status),
		Result:       optionalString(req, "result"),
		ErrorMessage: optionalString(req, "error_message"),
	}
	task, err := t.svc.Workflows.Tasks().UpdateTask(ctx, int64(id), update, origin)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(task)
}

func (t *Tools) getTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	tasks, err := t.svc.Workflows.Tasks().ListTasks(ctx, key)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(tasks)
}

func (t *Tools) nextTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	d, err := t.svc.Workflows.Tasks().NextTask(ctx, key)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(d)
}

func (t *Tools) addTestResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.svc.Tests == nil {
		return toolError(fmt.Errorf("test results are not configured"))
	}
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	passed, ok := req.GetArguments()["passed"].(bool)
	if !ok {
		return toolError(fmt.Errorf("passed must be a boolean"))
	}
	result, err := t.svc.Tests.Record(ctx, models.TestResult{
		WorkflowID: key,
		TestType:   req.GetString("test_type", ""),
		TestName:   req.GetString("test_name", ""),
		Passed:     passed,
		Output:     optionalString(req, "output"),
	})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(result)
}

func (t *Tools) stats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.svc.Workflows.Stats(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(stats)
}

func (t *Tools) requestDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.svc.Notifications == nil {
		return toolError(fmt.Errorf("notifications are not configured"))
	}
	key, err := req.RequireString("workflow_id")
	if err != nil {
		return toolError(err)
	}
	n, err := t.svc.Notifications.RequestDecision(ctx, key, req.GetString("question", ""))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(n)
}

type pollResult struct {
	Key    string                `json:"key"`
	Status models.WorkflowStatus `json:"status"`
	Action string                `json:"action,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func (t *Tools) pollOnce(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.svc.Poller == nil {
		return toolError(fmt.Errorf("the tracker worker is not configured"))
	}
	results, err := t.svc.Poller.PollOnce(ctx)
	if err != nil {
		return toolError(err)
	}
	out := make([]pollResult, 0, len(results))
	for _, r := range results {
		pr := pollResult{Key: r.Key, Status: r.Status, Action: r.Action}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		out = append(out, pr)
	}
	return jsonResult(out)
}
