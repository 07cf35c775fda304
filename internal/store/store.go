// Package store is the transactional persistence layer for Tasks and
// Orchestrations: a single embedded sqlite database file, accessed only
// through typed operations — never ad-hoc SQL at call sites.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/taskforge/internal/task"
)

//go:embed schema.sql
var schemaSQL string

// ProgressLogger is the subset of logger.TaskLogger the Store needs to
// satisfy append_progress/finalize_task (§4.1, §4.2): write the line to the
// task's log file, then update the row's cached tail.
type ProgressLogger interface {
	Write(id int64, path, line string) error
	Finalize(id int64, path, line string) error
}

// Store is the SQLite-backed implementation of §4.1.
type Store struct {
	db     *sql.DB
	dbPath string
	logDir string
	logger ProgressLogger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// New opens (creating if necessary) the database at dbPath and initializes
// its schema. logDir is where per-task log files are written; logger
// performs the actual file I/O.
func New(dbPath, logDir string, logger ProgressLogger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite3 serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent Executors/Orchestrators.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		logDir: logDir,
		logger: logger,
		locks:  make(map[int64]*sync.Mutex),
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database file (for backup
// snapshots), or "" for an in-memory store.
func (s *Store) Path() string {
	if s.dbPath == ":memory:" {
		return ""
	}
	return s.dbPath
}

func (s *Store) rowLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// TaskSpec is the input to CreateTask / CreateOrchestrationTasks.
type TaskSpec struct {
	WorkingDirectory string
	SystemPrompt     string
	ExecutionPrompt  string
	Model            task.Model

	// Set only for tasks created as part of an orchestration.
	Identifier   string
	DependsOn    []string
	InitialDelay *float64
}

// CreateTask inserts a standalone Task (status=PENDING) and computes its
// stable log_file_path in a second update, per §4.1's two-phase create.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (*task.Task, error) {
	return s.insertTask(ctx, spec, task.StatusPending, nil)
}

func (s *Store) insertTask(ctx context.Context, spec TaskSpec, status task.Status, orchestrationID *int64) (*task.Task, error) {
	now := time.Now().UTC()
	model := spec.Model
	if model == "" {
		model = task.DefaultModel
	}

	var dependsOnJSON sql.NullString
	if spec.DependsOn != nil {
		data, err := json.Marshal(spec.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("marshal depends_on: %w", err)
		}
		dependsOnJSON = sql.NullString{String: string(data), Valid: true}
	}

	var identifier sql.NullString
	if spec.Identifier != "" {
		identifier = sql.NullString{String: spec.Identifier, Valid: true}
	}
	var orchID sql.NullInt64
	if orchestrationID != nil {
		orchID = sql.NullInt64{Int64: *orchestrationID, Valid: true}
	}
	var initialDelay sql.NullFloat64
	if spec.InitialDelay != nil {
		initialDelay = sql.NullFloat64{Float64: *spec.InitialDelay, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(status, working_directory, system_prompt, execution_prompt, model,
			 created_at, orchestration_id, identifier, depends_on, initial_delay)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(status), spec.WorkingDirectory, spec.SystemPrompt, spec.ExecutionPrompt, string(model),
		now, orchID, identifier, dependsOnJSON, initialDelay,
	)
	if err != nil {
		return nil, task.NewStoreUnavailableError("create_task", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, task.NewStoreUnavailableError("create_task", err)
	}

	logPath := filepath.Join(s.logDir, fmt.Sprintf("summary_%d_%s_%s.log",
		id, sanitizeForPath(spec.WorkingDirectory), now.Format("20060102T150405Z")))

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET log_file_path = ? WHERE id = ?`, logPath, id); err != nil {
		return nil, task.NewStoreUnavailableError("create_task", err)
	}

	return s.GetTask(ctx, id)
}

var pathSeparators = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

func sanitizeForPath(wd string) string {
	sanitized := pathSeparators.Replace(strings.Trim(wd, "/\\"))
	if sanitized == "" {
		return "wd"
	}
	if len(sanitized) > 60 {
		sanitized = sanitized[len(sanitized)-60:]
	}
	return sanitized
}

// GetTask fetches a single Task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, task.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, task.NewStoreUnavailableError("get_task", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status          *task.Status
	OrchestrationID *int64
}

// ListTasks returns tasks matching filter, most recent first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.OrchestrationID != nil {
		query += ` AND orchestration_id = ?`
		args = append(args, *filter.OrchestrationID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, task.NewStoreUnavailableError("list_tasks", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.NewStoreUnavailableError("list_tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.NewStoreUnavailableError("list_tasks", err)
	}
	return tasks, nil
}

// UpdateTaskStatus enforces I1 (no leaving a terminal state) and sets
// started_at on the first transition into RUNNING.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, newStatus task.Status) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.NewNotTerminalError(id, current.Status)
	}

	if newStatus == task.StatusRunning && current.StartedAt == nil {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`, string(newStatus), now, id)
		if err != nil {
			return task.NewStoreUnavailableError("update_task_status", err)
		}
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(newStatus), id); err != nil {
		return task.NewStoreUnavailableError("update_task_status", err)
	}
	return nil
}

// SetTaskPID records the worker process id owning a RUNNING task, used by
// the contingency sweep's orphan detection.
func (s *Store) SetTaskPID(ctx context.Context, id int64, pid int) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET pid = ? WHERE id = ?`, pid, id); err != nil {
		return task.NewStoreUnavailableError("set_task_pid", err)
	}
	return nil
}

// AppendProgress writes line to the task's log file and updates
// last_action_cache atomically with respect to the Task row (P8).
func (s *Store) AppendProgress(ctx context.Context, id int64, line string) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	var logPath string
	if err := s.db.QueryRowContext(ctx, `SELECT log_file_path FROM tasks WHERE id = ?`, id).Scan(&logPath); err != nil {
		if err == sql.ErrNoRows {
			return task.NewNotFoundError("task", id)
		}
		return task.NewStoreUnavailableError("append_progress", err)
	}

	if err := s.logger.Write(id, logPath, line); err != nil {
		// A log-write failure must never abort a running task (§4.2).
		// It is still surfaced to the caller so it can be logged
		// operationally; last_action_cache is updated regardless.
		if _, execErr := s.db.ExecContext(ctx, `UPDATE tasks SET last_action_cache = ? WHERE id = ?`, line, id); execErr != nil {
			return task.NewStoreUnavailableError("append_progress", execErr)
		}
		return fmt.Errorf("write task log: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_action_cache = ? WHERE id = ?`, line, id); err != nil {
		return task.NewStoreUnavailableError("append_progress", err)
	}
	return nil
}

// FinalizeTask sets a terminal status, ended_at, and routes message to
// final_summary (COMPLETED) or error_message (otherwise), enforcing I3.
func (s *Store) FinalizeTask(ctx context.Context, id int64, status task.Status, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize_task: %s is not a terminal status", status)
	}

	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.NewNotTerminalError(id, current.Status)
	}

	now := time.Now().UTC()

	if err := s.logger.Finalize(id, current.LogFilePath, message); err != nil {
		// Swallowed per §4.2; the row transition still must land.
		_ = err
	}

	if status == task.StatusCompleted {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, ended_at = ?, final_summary = ? WHERE id = ?`,
			string(status), now, message, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, ended_at = ?, error_message = ? WHERE id = ?`,
			string(status), now, message, id)
	}
	if err != nil {
		return task.NewStoreUnavailableError("finalize_task", err)
	}
	return nil
}

// MarkTaskSkipped transitions a WAITING task to SKIPPED with reason recorded
// as error_message, and stamps dependency_failed_at.
func (s *Store) MarkTaskSkipped(ctx context.Context, id int64, reason string) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.NewNotTerminalError(id, current.Status)
	}

	now := time.Now().UTC()
	if err := s.logger.Finalize(id, current.LogFilePath, reason); err != nil {
		_ = err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, ended_at = ?, error_message = ?, dependency_failed_at = ? WHERE id = ?`,
		string(task.StatusSkipped), now, reason, now, id); err != nil {
		return task.NewStoreUnavailableError("mark_task_skipped", err)
	}
	return nil
}

// DeleteTask removes a task row. Fails with NotTerminalError if the task is
// still PENDING/WAITING/RUNNING.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.Terminal() {
		return task.NewNotTerminalError(id, current.Status)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return task.NewStoreUnavailableError("delete_task", err)
	}
	return nil
}

// ClearTerminal bulk-deletes tasks with status COMPLETED or FAILED. SKIPPED
// rows are retained (Open Question decision, DESIGN.md).
func (s *Store) ClearTerminal(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status IN (?, ?)`,
		string(task.StatusCompleted), string(task.StatusFailed))
	if err != nil {
		return 0, task.NewStoreUnavailableError("clear_terminal", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, task.NewStoreUnavailableError("clear_terminal", err)
	}
	return int(n), nil
}

// --- Orchestrations ---

// CreateOrchestration inserts a new PENDING Orchestration row with the given
// total task count.
func (s *Store) CreateOrchestration(ctx context.Context, total int) (*task.Orchestration, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrations (status, total_tasks, created_at) VALUES (?, ?, ?)`,
		string(task.OrchestrationPending), total, now)
	if err != nil {
		return nil, task.NewStoreUnavailableError("create_orchestration", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, task.NewStoreUnavailableError("create_orchestration", err)
	}
	return s.GetOrchestration(ctx, id)
}

// CreateOrchestrationTasks inserts every task of an orchestration as
// WAITING, in a single transaction.
func (s *Store) CreateOrchestrationTasks(ctx context.Context, orchestrationID int64, specs []TaskSpec) ([]*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, task.NewStoreUnavailableError("create_orchestration_tasks", err)
	}
	defer tx.Rollback()

	var ids []int64
	for _, spec := range specs {
		t, err := s.insertTaskTx(ctx, tx, spec, orchestrationID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, task.NewStoreUnavailableError("create_orchestration_tasks", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *Store) insertTaskTx(ctx context.Context, tx *sql.Tx, spec TaskSpec, orchestrationID int64) (int64, error) {
	now := time.Now().UTC()
	model := spec.Model
	if model == "" {
		model = task.DefaultModel
	}

	dependsOnJSON, err := json.Marshal(spec.DependsOn)
	if err != nil {
		return 0, fmt.Errorf("marshal depends_on: %w", err)
	}
	var initialDelay sql.NullFloat64
	if spec.InitialDelay != nil {
		initialDelay = sql.NullFloat64{Float64: *spec.InitialDelay, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO tasks
			(status, working_directory, system_prompt, execution_prompt, model,
			 created_at, orchestration_id, identifier, depends_on, initial_delay)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.StatusWaiting), spec.WorkingDirectory, spec.SystemPrompt, spec.ExecutionPrompt, string(model),
		now, orchestrationID, spec.Identifier, string(dependsOnJSON), initialDelay,
	)
	if err != nil {
		return 0, task.NewStoreUnavailableError("create_orchestration_tasks", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, task.NewStoreUnavailableError("create_orchestration_tasks", err)
	}

	logPath := filepath.Join(s.logDir, fmt.Sprintf("summary_%d_%s_%s.log",
		id, sanitizeForPath(spec.WorkingDirectory), now.Format("20060102T150405Z")))
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET log_file_path = ? WHERE id = ?`, logPath, id); err != nil {
		return 0, task.NewStoreUnavailableError("create_orchestration_tasks", err)
	}
	return id, nil
}

// GetOrchestration fetches a single Orchestration by id.
func (s *Store) GetOrchestration(ctx context.Context, id int64) (*task.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, orchestrationSelectColumns+` FROM orchestrations WHERE id = ?`, id)
	o, err := scanOrchestration(row)
	if err == sql.ErrNoRows {
		return nil, task.NewNotFoundError("orchestration", id)
	}
	if err != nil {
		return nil, task.NewStoreUnavailableError("get_orchestration", err)
	}
	return o, nil
}

// OrchestrationFilter narrows ListOrchestrations.
type OrchestrationFilter struct {
	Status *task.OrchestrationStatus
	Limit  int
}

// ListOrchestrations returns orchestrations matching filter, most recent first.
func (s *Store) ListOrchestrations(ctx context.Context, filter OrchestrationFilter) ([]*task.Orchestration, error) {
	query := orchestrationSelectColumns + ` FROM orchestrations WHERE 1=1`
	var args []interface{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, task.NewStoreUnavailableError("list_orchestrations", err)
	}
	defer rows.Close()

	var orchestrations []*task.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, task.NewStoreUnavailableError("list_orchestrations", err)
		}
		orchestrations = append(orchestrations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, task.NewStoreUnavailableError("list_orchestrations", err)
	}
	return orchestrations, nil
}

// TasksInOrchestration returns every task belonging to an orchestration.
func (s *Store) TasksInOrchestration(ctx context.Context, orchestrationID int64) ([]*task.Task, error) {
	return s.ListTasks(ctx, TaskFilter{OrchestrationID: &orchestrationID})
}

// OrchestrationUpdate is a partial update applied by UpdateOrchestration.
type OrchestrationUpdate struct {
	Status              *task.OrchestrationStatus
	CompletedTasksDelta int
	FailedTasksDelta    int
	SkippedTasksDelta   int
}

// UpdateOrchestration applies counter deltas and an optional status
// transition, stamping started_at/ended_at at the right transitions.
func (s *Store) UpdateOrchestration(ctx context.Context, id int64, update OrchestrationUpdate) error {
	lock := s.rowLock(-id) // orchestration ids share the int64 space with tasks; negate to avoid collision
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetOrchestration(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	setClauses := []string{
		"completed_tasks = completed_tasks + ?",
		"failed_tasks = failed_tasks + ?",
		"skipped_tasks = skipped_tasks + ?",
	}
	args := []interface{}{update.CompletedTasksDelta, update.FailedTasksDelta, update.SkippedTasksDelta}

	if update.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*update.Status))

		if *update.Status == task.OrchestrationRunning && current.StartedAt == nil {
			setClauses = append(setClauses, "started_at = ?")
			args = append(args, now)
		}
		if update.Status.Terminal() && current.EndedAt == nil {
			setClauses = append(setClauses, "ended_at = ?")
			args = append(args, now)
		}
	}

	query := fmt.Sprintf(`UPDATE orchestrations SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return task.NewStoreUnavailableError("update_orchestration", err)
	}
	return nil
}

// --- scanning ---

const taskSelectColumns = `SELECT
	id, status, working_directory, system_prompt, execution_prompt, model,
	log_file_path, last_action_cache, final_summary, error_message,
	created_at, started_at, ended_at, pid,
	orchestration_id, identifier, depends_on, initial_delay, dependency_failed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var status, model string
	var logFilePath, lastAction, finalSummary, errorMessage sql.NullString
	var startedAt, endedAt, dependencyFailedAt sql.NullTime
	var pid sql.NullInt64
	var orchestrationID sql.NullInt64
	var identifier, dependsOnJSON sql.NullString
	var initialDelay sql.NullFloat64

	err := row.Scan(
		&t.ID, &status, &t.WorkingDirectory, &t.SystemPrompt, &t.ExecutionPrompt, &model,
		&logFilePath, &lastAction, &finalSummary, &errorMessage,
		&t.CreatedAt, &startedAt, &endedAt, &pid,
		&orchestrationID, &identifier, &dependsOnJSON, &initialDelay, &dependencyFailedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Model = task.Model(model)
	t.LogFilePath = logFilePath.String
	t.LastActionCache = lastAction.String
	t.FinalSummary = finalSummary.String
	t.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if endedAt.Valid {
		v := endedAt.Time
		t.EndedAt = &v
	}
	if dependencyFailedAt.Valid {
		v := dependencyFailedAt.Time
		t.DependencyFailedAt = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		t.PID = &v
	}
	if orchestrationID.Valid {
		v := orchestrationID.Int64
		t.OrchestrationID = &v
	}
	if identifier.Valid {
		v := identifier.String
		t.Identifier = &v
	}
	if dependsOnJSON.Valid && dependsOnJSON.String != "" {
		if err := json.Unmarshal([]byte(dependsOnJSON.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	if initialDelay.Valid {
		v := initialDelay.Float64
		t.InitialDelay = &v
	}

	return &t, nil
}

const orchestrationSelectColumns = `SELECT
	id, status, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
	created_at, started_at, ended_at`

func scanOrchestration(row scanner) (*task.Orchestration, error) {
	var o task.Orchestration
	var status string
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&o.ID, &status, &o.TotalTasks, &o.CompletedTasks, &o.FailedTasks, &o.SkippedTasks,
		&o.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = task.OrchestrationStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		o.StartedAt = &v
	}
	if endedAt.Valid {
		v := endedAt.Time
		o.EndedAt = &v
	}
	return &o, nil
}
