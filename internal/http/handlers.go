package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

type handlers struct {
	svc Services
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WorkflowFilter{Project: q.Get("project")}
	if st := q.Get("status"); st != "" {
		filter.Status = h.svc.Workflows.Graph().Normalize(st)
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	workflows, err := h.svc.Workflows.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (h *handlers) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var in models.NewWorkflow
	if !decode(w, r, &in) {
		return
	}
	wf, err := h.svc.Workflows.CreateWorkflow(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *handlers) activeWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Workflows.ActiveWorkflows(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) summaries(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Workflows.Summaries(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) currentWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.Workflows.CurrentWorkflow(r.Context(), r.PathValue("project"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handlers) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var patch models.WorkflowPatch
	if !decode(w, r, &patch) {
		return
	}
	wf, err := h.svc.Workflows.UpdateWorkflow(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handlers) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Workflows.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	Status string `json:"status"`
}

// transition is the human entry point: every request carries human origin.
func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	to := h.svc.Workflows.Graph().Normalize(req.Status)
	wf, err := h.svc.Workflows.Transition(r.Context(), r.PathValue("id"), to, statusgraph.OriginHuman)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type confirmRequest struct {
	Plan  *string          `json:"plan,omitempty"`
	Tasks []models.NewTask `json:"tasks"`
}

func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	wf, err := h.svc.Workflows.ConfirmPlan(r.Context(), r.PathValue("id"), req.Plan, req.Tasks)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.Workflows.Tasks().ListTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type addTasksRequest struct {
	Tasks []models.NewTask `json:"tasks"`
}

func (h *handlers) addTasks(w http.ResponseWriter, r *http.Request) {
	var req addTasksRequest
	if !decode(w, r, &req) {
		return
	}
	tasks, err := h.svc.Workflows.Tasks().AddTasks(r.Context(), r.PathValue("id"), req.Tasks)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tasks)
}

type nextTaskResponse struct {
	Decision service.DecisionKind `json:"decision"`
	Task     *models.Task         `json:"task,omitempty"`
}

func (h *handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Workflows.Tasks().NextTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nextTaskResponse{Decision: d.Kind, Task: d.Task})
}

func (h *handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var update models.TaskUpdate
	if !decode(w, r, &update) {
		return
	}
	task, err := h.svc.Workflows.Tasks().UpdateTask(r.Context(), id, update, statusgraph.OriginHuman)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) skipTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.Workflows.Tasks().Skip(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.Workflows.Tasks().Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) listTestResults(w http.ResponseWriter, r *http.Request) {
	if h.svc.Tests == nil {
		writeError(w, http.StatusServiceUnavailable, "test results are not configured")
		return
	}
	list, err := h.svc.Tests.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) recordTestResult(w http.ResponseWriter, r *http.Request) {
	if h.svc.Tests == nil {
		writeError(w, http.StatusServiceUnavailable, "test results are not configured")
		return
	}
	var in models.TestResult
	if !decode(w, r, &in) {
		return
	}
	result, err := h.svc.Tests.Record(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	list, err := h.svc.Notifications.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) retryNotification(w http.ResponseWriter, r *http.Request) {
	if h.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.svc.Notifications.Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type decisionRequest struct {
	Question string `json:"question"`
}

func (h *handlers) requestDecision(w http.ResponseWriter, r *http.Request) {
	if h.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.svc.Notifications.RequestDecision(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Workflows.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
