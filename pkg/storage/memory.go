package storage

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/models"
)

type memoryData struct {
	workflows      []models.Workflow
	tasks          []models.Task
	notifications  []models.Notification
	testResults    []models.TestResult
	nextWorkflowID int64
	nextTaskID     int64
	nextNotifyID   int64
	nextResultID   int64
}

func (d *memoryData) clone() *memoryData {
	c := *d
	c.workflows = append([]models.Workflow(nil), d.workflows...)
	c.tasks = append([]models.Task(nil), d.tasks...)
	c.notifications = append([]models.Notification(nil), d.notifications...)
	c.testResults = append([]models.TestResult(nil), d.testResults...)
	return &c
}

// memoryStore implements Store in memory. Transactions are serialised: Begin
// holds the store mutex until Commit or Rollback, and Rollback restores the
// snapshot taken at Begin.
type memoryStore struct {
	mu       *sync.Mutex
	data     *memoryData
	inTx     bool
	done     bool
	snapshot *memoryData
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{mu: &sync.Mutex{}, data: &memoryData{}}
}

func (m *memoryStore) lock() (func(), error) {
	if m.inTx {
		if m.done {
			return nil, errors.New("transaction already finished")
		}
		return func() {}, nil
	}
	m.mu.Lock()
	return m.mu.Unlock, nil
}

func (m *memoryStore) Begin() (Store, error) {
	if m.inTx {
		return nil, errors.New("nested transactions are not supported")
	}
	m.mu.Lock()
	return &memoryStore{mu: m.mu, data: m.data, inTx: true, snapshot: m.data.clone()}, nil
}

func (m *memoryStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("already committed")
	}
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("cannot rollback finished transaction")
	}
	*m.data = *m.snapshot
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func (m *memoryStore) workflowIndex(key string) int {
	for i, wf := range m.data.workflows {
		if wf.WorkflowID == key {
			return i
		}
	}
	return -1
}

func (m *memoryStore) SaveWorkflow(_ context.Context, wf models.Workflow) (int64, error) {
	unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if m.workflowIndex(wf.WorkflowID) >= 0 {
		return 0, errors.Wrapf(ErrConstraintViolation, "workflow %s already exists", wf.WorkflowID)
	}
	m.data.nextWorkflowID++
	wf.ID = m.data.nextWorkflowID
	wf.Tasks = nil
	m.data.workflows = append(m.data.workflows, wf)
	return wf.ID, nil
}

func (m *memoryStore) GetWorkflow(_ context.Context, key string) (models.Workflow, error) {
	unlock, err := m.lock()
	if err != nil {
		return models.Workflow{}, err
	}
	defer unlock()

	i := m.workflowIndex(key)
	if i < 0 {
		return models.Workflow{}, errors.Wrapf(ErrNotFound, "workflow %s", key)
	}
	wf := m.data.workflows[i]
	wf.Tasks = m.tasksOf(key)
	return wf, nil
}

// GetWorkflowForUpdate needs no extra locking: a transaction already holds
// the store mutex.
func (m *memoryStore) GetWorkflowForUpdate(ctx context.Context, key string) (models.Workflow, error) {
	return m.GetWorkflow(ctx, key)
}

func (m *memoryStore) ListWorkflows(_ context.Context, filter models.WorkflowFilter) ([]models.Workflow, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	workflows := []models.Workflow{}
	for _, wf := range m.newestFirst() {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.Project != "" && wf.Project != filter.Project {
			continue
		}
		workflows = append(workflows, wf)
		if len(workflows) == limit {
			break
		}
	}
	return workflows, nil
}

func (m *memoryStore) newestFirst() []models.Workflow {
	out := append([]models.Workflow(nil), m.data.workflows...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var workflowKeyPattern = regexp.MustCompile(`^WF-(\d{4})-(\d+)$`)

func (m *memoryStore) MaxWorkflowSequence(_ context.Context, year int) (int, error) {
	unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	highest := 0
	for _, wf := range m.data.workflows {
		match := workflowKeyPattern.FindStringSubmatch(wf.WorkflowID)
		if match == nil || match[1] != strconv.Itoa(year) {
			continue
		}
		if n, err := strconv.Atoi(match[2]); err == nil && n > highest {
			highest = n
		}
	}
	return highest, nil
}

func (m *memoryStore) UpdateWorkflowDetails(_ context.Context, key string, patch models.WorkflowPatch) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	i := m.workflowIndex(key)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "workflow %s", key)
	}
	wf := &m.data.workflows[i]
	if patch.Plan != nil {
		wf.Plan = patch.Plan
	}
	if patch.Requirements != nil {
		wf.Requirements = patch.Requirements
	}
	if patch.IssueNumber != nil {
		wf.IssueNumber = patch.IssueNumber
	}
	wf.UpdatedAt = now()
	return nil
}

func (m *memoryStore) UpdateWorkflowStatus(_ context.Context, key string, change models.StatusChange) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	i := m.workflowIndex(key)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "workflow %s", key)
	}
	wf := &m.data.workflows[i]
	if wf.Status != change.From {
		return errors.Wrapf(ErrStatusConflict, "workflow %s is %s, expected %s", key, wf.Status, change.From)
	}
	at := change.At
	wf.Status = change.To
	wf.UpdatedAt = at
	if change.StampStarted && wf.StartedAt == nil {
		wf.StartedAt = &at
	}
	if change.StampComplete {
		wf.CompletedAt = &at
	} else {
		wf.CompletedAt = nil
	}
	return nil
}

func (m *memoryStore) DeleteWorkflow(_ context.Context, key string) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	i := m.workflowIndex(key)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "workflow %s", key)
	}
	m.data.workflows = append(m.data.workflows[:i], m.data.workflows[i+1:]...)

	tasks := m.data.tasks[:0]
	for _, t := range m.data.tasks {
		if t.WorkflowID != key {
			tasks = append(tasks, t)
		}
	}
	m.data.tasks = tasks

	notifications := m.data.notifications[:0]
	for _, n := range m.data.notifications {
		if n.WorkflowID != key {
			notifications = append(notifications, n)
		}
	}
	m.data.notifications = notifications

	results := m.data.testResults[:0]
	for _, r := range m.data.testResults {
		if r.WorkflowID != key {
			results = append(results, r)
		}
	}
	m.data.testResults = results
	return nil
}

func (m *memoryStore) tasksOf(key string) []models.Task {
	tasks := []models.Task{}
	for _, t := range m.data.tasks {
		if t.WorkflowID == key {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })
	return tasks
}

func (m *memoryStore) SaveTask(_ context.Context, t models.Task) (int64, error) {
	unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if m.workflowIndex(t.WorkflowID) < 0 {
		return 0, errors.Wrapf(ErrNotFound, "workflow %s", t.WorkflowID)
	}
	for _, existing := range m.data.tasks {
		if existing.WorkflowID == t.WorkflowID && existing.Sequence == t.Sequence {
			return 0, errors.Wrapf(ErrConstraintViolation, "task %d already exists in workflow %s", t.Sequence, t.WorkflowID)
		}
	}
	m.data.nextTaskID++
	t.ID = m.data.nextTaskID
	m.data.tasks = append(m.data.tasks, t)
	return t.ID, nil
}

func (m *memoryStore) GetTask(_ context.Context, id int64) (models.Task, error) {
	unlock, err := m.lock()
	if err != nil {
		return models.Task{}, err
	}
	defer unlock()

	for _, t := range m.data.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, errors.Wrapf(ErrNotFound, "task %d", id)
}

func (m *memoryStore) ListTasks(_ context.Context, workflowKey string) ([]models.Task, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.tasksOf(workflowKey), nil
}

func (m *memoryStore) UpdateTaskStatus(_ context.Context, id int64, change models.TaskChange) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for i := range m.data.tasks {
		t := &m.data.tasks[i]
		if t.ID != id {
			continue
		}
		if t.Status != change.From {
			return errors.Wrapf(ErrStatusConflict, "task %d is %s, expected %s", id, t.Status, change.From)
		}
		at := change.At
		t.Status = change.To
		if change.Result != nil {
			t.Result = change.Result
		}
		if change.ErrorMessage != nil {
			t.ErrorMessage = change.ErrorMessage
		}
		if change.StampStarted && t.StartedAt == nil {
			t.StartedAt = &at
		}
		if change.StampComplete {
			t.CompletedAt = &at
		} else {
			t.CompletedAt = nil
		}
		return nil
	}
	return errors.Wrapf(ErrNotFound, "task %d", id)
}

func (m *memoryStore) SaveNotification(_ context.Context, n models.Notification) (int64, error) {
	unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if m.workflowIndex(n.WorkflowID) < 0 {
		return 0, errors.Wrapf(ErrNotFound, "workflow %s", n.WorkflowID)
	}
	m.data.nextNotifyID++
	n.ID = m.data.nextNotifyID
	m.data.notifications = append(m.data.notifications, n)
	return n.ID, nil
}

func (m *memoryStore) GetNotification(_ context.Context, id int64) (models.Notification, error) {
	unlock, err := m.lock()
	if err != nil {
		return models.Notification{}, err
	}
	defer unlock()

	for _, n := range m.data.notifications {
		if n.ID == id {
			return n, nil
		}
	}
	return models.Notification{}, errors.Wrapf(ErrNotFound, "notification %d", id)
}

func (m *memoryStore) MarkNotificationDelivered(_ context.Context, id int64) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for i := range m.data.notifications {
		if m.data.notifications[i].ID == id {
			m.data.notifications[i].Delivered = true
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "notification %d", id)
}

func (m *memoryStore) ListNotifications(_ context.Context, workflowKey string) ([]models.Notification, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := []models.Notification{}
	for _, n := range m.data.notifications {
		if n.WorkflowID == workflowKey {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memoryStore) SaveTestResult(_ context.Context, r models.TestResult) (int64, error) {
	unlock, err := m.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if m.workflowIndex(r.WorkflowID) < 0 {
		return 0, errors.Wrapf(ErrNotFound, "workflow %s", r.WorkflowID)
	}
	m.data.nextResultID++
	r.ID = m.data.nextResultID
	m.data.testResults = append(m.data.testResults, r)
	return r.ID, nil
}

func (m *memoryStore) ListTestResults(_ context.Context, workflowKey string) ([]models.TestResult, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := []models.TestResult{}
	for _, r := range m.data.testResults {
		if r.WorkflowID == workflowKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) ActiveWorkflows(_ context.Context, terminal []models.WorkflowStatus) ([]models.ActiveWorkflow, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := []models.ActiveWorkflow{}
	for _, wf := range m.newestFirst() {
		if hasStatus(terminal, wf.Status) {
			continue
		}
		active := models.ActiveWorkflow{Workflow: wf}
		for _, t := range m.data.tasks {
			if t.WorkflowID != wf.WorkflowID {
				continue
			}
			switch t.Status {
			case models.CompletedTaskStatus:
				active.CompletedTasks++
			case models.FailedTaskStatus:
				active.FailedTasks++
			}
		}
		out = append(out, active)
	}
	return out, nil
}

func (m *memoryStore) WorkflowSummaries(_ context.Context) ([]models.WorkflowSummary, error) {
	unlock, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := []models.WorkflowSummary{}
	for _, wf := range m.newestFirst() {
		s := models.WorkflowSummary{
			WorkflowID: wf.WorkflowID,
			Project:    wf.Project,
			Title:      wf.Title,
			Status:     wf.Status,
			CreatedAt:  wf.CreatedAt,
		}
		for _, t := range m.data.tasks {
			if t.WorkflowID == wf.WorkflowID {
				s.TotalTasks++
				if t.Status == models.CompletedTaskStatus {
					s.CompletedTasks++
				}
			}
		}
		for _, r := range m.data.testResults {
			if r.WorkflowID == wf.WorkflowID {
				s.TotalTests++
				if r.Passed {
					s.PassedTests++
				}
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memoryStore) Stats(_ context.Context, completed, terminal []models.WorkflowStatus) (models.Stats, error) {
	unlock, err := m.lock()
	if err != nil {
		return models.Stats{}, err
	}
	defer unlock()

	var stats models.Stats
	for _, wf := range m.data.workflows {
		stats.TotalWorkflows++
		if hasStatus(completed, wf.Status) {
			stats.Completed++
		}
		if !hasStatus(terminal, wf.Status) {
			stats.Active++
		}
	}
	return stats, nil
}

func hasStatus(set []models.WorkflowStatus, status models.WorkflowStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
