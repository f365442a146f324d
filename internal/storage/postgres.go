package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/storage"
)

// DBInterface is the part of sqlx shared by *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an already opened connection pool.
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping checks the connection; transactions report healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

// mapError translates driver errors into the storage sentinels.
func mapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(storage.ErrNotFound, msg)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23514": // unique_violation, check_violation
			return errors.Wrapf(storage.ErrConstraintViolation, "%s: %s", msg, pqErr.Message)
		case "23503": // foreign_key_violation
			return errors.Wrapf(storage.ErrNotFound, "%s: %s", msg, pqErr.Message)
		}
	}
	return errors.Wrap(err, msg)
}

func statusStrings(statuses []models.WorkflowStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

const workflowColumns = `id, workflow_id, project, project_path, title, status, requirements, plan,
	issue_number, created_at, updated_at, started_at, completed_at`

const qualifiedWorkflowColumns = `w.id, w.workflow_id, w.project, w.project_path, w.title, w.status,
	w.requirements, w.plan, w.issue_number, w.created_at, w.updated_at, w.started_at, w.completed_at`

// SaveWorkflow creates a new workflow and returns its surrogate ID
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO workflows (workflow_id, project, project_path, title, status, requirements, plan, issue_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		w.WorkflowID, w.Project, w.ProjectPath, w.Title, w.Status, w.Requirements, w.Plan, w.IssueNumber, w.CreatedAt, w.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "save workflow %s", w.WorkflowID)
	}
	return id, nil
}

// GetWorkflow retrieves a workflow by key, including its tasks
func (s *PostgresStore) GetWorkflow(ctx context.Context, key string) (models.Workflow, error) {
	return s.getWorkflow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE workflow_id = $1", key)
}

// GetWorkflowForUpdate locks the workflow row until the transaction ends.
func (s *PostgresStore) GetWorkflowForUpdate(ctx context.Context, key string) (models.Workflow, error) {
	return s.getWorkflow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE workflow_id = $1 FOR UPDATE", key)
}

func (s *PostgresStore) getWorkflow(ctx context.Context, query, key string) (models.Workflow, error) {
	var wf models.Workflow
	if err := s.db.GetContext(ctx, &wf, query, key); err != nil {
		return models.Workflow{}, mapError(err, "workflow %s", key)
	}
	tasks, err := s.ListTasks(ctx, key)
	if err != nil {
		return models.Workflow{}, err
	}
	wf.Tasks = tasks
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]models.Workflow, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Project != "" {
		args = append(args, filter.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	workflows := []models.Workflow{}
	if err := s.db.SelectContext(ctx, &workflows, query, args...); err != nil {
		return nil, mapError(err, "list workflows")
	}
	return workflows, nil
}

func (s *PostgresStore) MaxWorkflowSequence(ctx context.Context, year int) (int, error) {
	var highest int
	err := s.db.GetContext(ctx, &highest, `
		SELECT COALESCE(MAX(substring(workflow_id FROM '^WF-\d{4}-(\d+)$')::bigint), 0)
		FROM workflows WHERE workflow_id LIKE $1`,
		fmt.Sprintf("WF-%d-%%", year))
	if err != nil {
		return 0, mapError(err, "max workflow sequence")
	}
	return highest, nil
}

func (s *PostgresStore) UpdateWorkflowDetails(ctx context.Context, key string, patch models.WorkflowPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET plan = COALESCE($1, plan),
		requirements = COALESCE($2, requirements),
		issue_number = COALESCE($3, issue_number),
		updated_at = NOW()
		WHERE workflow_id = $4`,
		patch.Plan, patch.Requirements, patch.IssueNumber, key)
	if err != nil {
		return mapError(err, "update workflow %s", key)
	}
	return requireRow(res, "workflow %s", key)
}

// UpdateWorkflowStatus is a compare-and-swap on the status column.
func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, key string, change models.StatusChange) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1,
		updated_at = $2,
		started_at = CASE WHEN $3::boolean THEN COALESCE(started_at, $2) ELSE started_at END,
		completed_at = CASE WHEN $4::boolean THEN $2 ELSE NULL END
		WHERE workflow_id = $5 AND status = $6`,
		change.To, change.At, change.StampStarted, change.StampComplete, key, change.From)
	if err != nil {
		return mapError(err, "update status of workflow %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var current models.WorkflowStatus
	if err := s.db.GetContext(ctx, &current, "SELECT status FROM workflows WHERE workflow_id = $1", key); err != nil {
		return mapError(err, "workflow %s", key)
	}
	return errors.Wrapf(storage.ErrStatusConflict, "workflow %s is %s, expected %s", key, current, change.From)
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE workflow_id = $1", key)
	if err != nil {
		return mapError(err, "delete workflow %s", key)
	}
	return requireRow(res, "workflow %s", key)
}

func requireRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, format, args...)
	}
	return nil
}

const taskColumns = `id, workflow_id, sequence, description, status, result, error_message, created_at, started_at, completed_at`

// SaveTask creates a new task within a workflow
func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (workflow_id, sequence, description, status, result, error_message, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.WorkflowID, t.Sequence, t.Description, t.Status, t.Result, t.ErrorMessage, t.CreatedAt, t.StartedAt, t.CompletedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "save task %d of %s", t.Sequence, t.WorkflowID)
	}
	return id, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (models.Task, error) {
	var task models.Task
	if err := s.db.GetContext(ctx, &task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id); err != nil {
		return models.Task{}, mapError(err, "task %d", id)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, workflowKey string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.SelectContext(ctx, &tasks, "SELECT "+taskColumns+" FROM tasks WHERE workflow_id = $1 ORDER BY sequence", workflowKey)
	if err != nil {
		return nil, mapError(err, "list tasks of %s", workflowKey)
	}
	return tasks, nil
}

// UpdateTaskStatus is a compare-and-swap on the task status. Result and
// error message are only overwritten when given.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id int64, change models.TaskChange) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
		result = COALESCE($2, result),
		error_message = COALESCE($3, error_message),
		started_at = CASE WHEN $4::boolean THEN COALESCE(started_at, $6) ELSE started_at END,
		completed_at = CASE WHEN $5::boolean THEN $6 ELSE NULL END
		WHERE id = $7 AND status = $8`,
		change.To, change.Result, change.ErrorMessage, change.StampStarted, change.StampComplete, change.At, id, change.From)
	if err != nil {
		return mapError(err, "update task %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var current models.TaskStatus
	if err := s.db.GetContext(ctx, &current, "SELECT status FROM tasks WHERE id = $1", id); err != nil {
		return mapError(err, "task %d", id)
	}
	return errors.Wrapf(storage.ErrStatusConflict, "task %d is %s, expected %s", id, current, change.From)
}

const notificationColumns = `id, workflow_id, notification_type, channel, message, sent_at, delivered`

func (s *PostgresStore) SaveNotification(ctx context.Context, n models.Notification) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO notifications (workflow_id, notification_type, channel, message, sent_at, delivered)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		n.WorkflowID, n.Type, n.Channel, n.Message, n.SentAt, n.Delivered,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "save notification for %s", n.WorkflowID)
	}
	return id, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id int64) (models.Notification, error) {
	var n models.Notification
	if err := s.db.GetContext(ctx, &n, "SELECT "+notificationColumns+" FROM notifications WHERE id = $1", id); err != nil {
		return models.Notification{}, mapError(err, "notification %d", id)
	}
	return n, nil
}

func (s *PostgresStore) MarkNotificationDelivered(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET delivered = TRUE WHERE id = $1", id)
	if err != nil {
		return mapError(err, "mark notification %d", id)
	}
	return requireRow(res, "notification %d", id)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, workflowKey string) ([]models.Notification, error) {
	list := []models.Notification{}
	err := s.db.SelectContext(ctx, &list,
		"SELECT "+notificationColumns+" FROM notifications WHERE workflow_id = $1 ORDER BY sent_at, id", workflowKey)
	if err != nil {
		return nil, mapError(err, "list notifications of %s", workflowKey)
	}
	return list, nil
}

func (s *PostgresStore) SaveTestResult(ctx context.Context, r models.TestResult) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO test_results (workflow_id, test_type, test_name, passed, output, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.WorkflowID, r.TestType, r.TestName, r.Passed, r.Output, r.ExecutedAt,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "save test result for %s", r.WorkflowID)
	}
	return id, nil
}

func (s *PostgresStore) ListTestResults(ctx context.Context, workflowKey string) ([]models.TestResult, error) {
	list := []models.TestResult{}
	err := s.db.SelectContext(ctx, &list, `
		SELECT id, workflow_id, test_type, test_name, passed, output, executed_at
		FROM test_results WHERE workflow_id = $1 ORDER BY executed_at, id`, workflowKey)
	if err != nil {
		return nil, mapError(err, "list test results of %s", workflowKey)
	}
	return list, nil
}

// ActiveWorkflows lists workflows outside the terminal set with task counts
func (s *PostgresStore) ActiveWorkflows(ctx context.Context, terminal []models.WorkflowStatus) ([]models.ActiveWorkflow, error) {
	list := []models.ActiveWorkflow{}
	err := s.db.SelectContext(ctx, &list, `
		SELECT `+qualifiedWorkflowColumns+`,
		COUNT(t.id) FILTER (WHERE t.status = 'COMPLETED') AS completed_tasks,
		COUNT(t.id) FILTER (WHERE t.status = 'FAILED') AS failed_tasks
		FROM workflows w
		LEFT JOIN tasks t ON t.workflow_id = w.workflow_id
		WHERE w.status <> ALL($1)
		GROUP BY w.id
		ORDER BY w.created_at DESC, w.id DESC`,
		pq.Array(statusStrings(terminal)))
	if err != nil {
		return nil, mapError(err, "list active workflows")
	}
	return list, nil
}

// WorkflowSummaries returns task and test totals per workflow, newest first
func (s *PostgresStore) WorkflowSummaries(ctx context.Context) ([]models.WorkflowSummary, error) {
	list := []models.WorkflowSummary{}
	err := s.db.SelectContext(ctx, &list, `
		SELECT w.workflow_id, w.project, w.title, w.status, w.created_at,
		(SELECT COUNT(*) FROM tasks t WHERE t.workflow_id = w.workflow_id) AS total_tasks,
		(SELECT COUNT(*) FROM tasks t WHERE t.workflow_id = w.workflow_id AND t.status = 'COMPLETED') AS completed_tasks,
		(SELECT COUNT(*) FROM test_results r WHERE r.workflow_id = w.workflow_id) AS total_tests,
		(SELECT COUNT(*) FROM test_results r WHERE r.workflow_id = w.workflow_id AND r.passed) AS passed_tests
		FROM workflows w
		ORDER BY w.created_at DESC, w.id DESC`)
	if err != nil {
		return nil, mapError(err, "list workflow summaries")
	}
	return list, nil
}

func (s *PostgresStore) Stats(ctx context.Context, completed, terminal []models.WorkflowStatus) (models.Stats, error) {
	var stats models.Stats
	err := s.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS total_workflows,
		COUNT(*) FILTER (WHERE status = ANY($1)) AS completed,
		COUNT(*) FILTER (WHERE status <> ALL($2)) AS active
		FROM workflows`,
		pq.Array(statusStrings(completed)), pq.Array(statusStrings(terminal)))
	if err != nil {
		return models.Stats{}, mapError(err, "workflow stats")
	}
	return stats, nil
}
