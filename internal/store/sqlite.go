// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task/project persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection so the session pragmas below apply to every query
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait for locks instead of failing under concurrent claim attempts
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			name            TEXT NOT NULL,
			routing_tag     TEXT NOT NULL UNIQUE,
			chat_channel_id TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id),
			agent_id   TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (project_id, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_project_members_agent ON project_members(agent_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			external_ref TEXT NOT NULL UNIQUE,
			project_id   TEXT NOT NULL REFERENCES projects(id),
			title        TEXT NOT NULL,
			description  TEXT,
			priority     INTEGER NOT NULL DEFAULT 3,
			status       TEXT NOT NULL DEFAULT 'TODO',
			claimed_by   TEXT,
			claimed_at   TEXT,
			thread_ref   TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('TODO', 'CLAIMED', 'IN_PROGRESS', 'BLOCKED_ON_HUMAN', 'DONE')),
			CHECK (priority BETWEEN 1 AND 4)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Ping verifies the database is reachable, used by readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateTask inserts a new task. If a task with the same external_ref
// already exists, it returns ErrDuplicateTask.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, external_ref, project_id, title, description, priority, status, thread_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.ExternalRef,
		task.ProjectID,
		task.Title,
		task.Description,
		task.Priority,
		string(task.Status),
		nullable(task.ThreadRef),
		task.CreatedAt.UTC().Format(time.RFC3339),
		task.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "external_ref", task.ExternalRef)
	return nil
}

const taskColumns = `id, external_ref, project_id, title, COALESCE(description, ''), priority, status, COALESCE(claimed_by, ''), claimed_at, COALESCE(thread_ref, ''), created_at, updated_at`

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByExternalRef retrieves a task by its provider-side id.
// Returns ErrNotFound if no such task exists.
func (s *SQLiteStore) GetTaskByExternalRef(ctx context.Context, externalRef string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE external_ref = ?`, externalRef)
	return scanTask(row)
}

// GetTaskByThreadRef retrieves the task announced under a chat thread.
// Returns ErrNotFound if no task carries the thread ref.
func (s *SQLiteStore) GetTaskByThreadRef(ctx context.Context, threadRef string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE thread_ref = ?`, threadRef)
	return scanTask(row)
}

// ClaimTask performs the atomic claim. The WHERE clause is the whole
// arbitration: it only matches an unclaimed TODO row, so under N
// concurrent claims exactly one UPDATE reports an affected row.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID, agentID string, claimedAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET claimed_by = ?, claimed_at = ?, status = 'CLAIMED', updated_at = ?
		WHERE id = ? AND claimed_by IS NULL AND status = 'TODO'
	`

	ts := claimedAt.UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, query, agentID, ts, ts, taskID)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	won := rowsAffected == 1
	if won {
		s.logger.Debug("task claimed", "task_id", taskID, "agent_id", agentID)
	}
	return won, nil
}

// UpdateTaskStatus sets the task status. Returns ErrNotFound if the
// task doesn't exist. Authorization (claimant-only) is enforced by the
// tasks service, not here.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		time.Now().UTC().Format(time.RFC3339),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated task status", "task_id", taskID, "status", status)
	return nil
}

// SetTaskThreadRef records the provider-side conversation linked to a task.
func (s *SQLiteStore) SetTaskThreadRef(ctx context.Context, taskID, threadRef string) error {
	query := `UPDATE tasks SET thread_ref = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		threadRef,
		time.Now().UTC().Format(time.RFC3339),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("setting task thread ref: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAvailableTasks returns TODO tasks in the given projects, highest
// priority first, oldest first within a priority.
func (s *SQLiteStore) ListAvailableTasks(ctx context.Context, projectIDs []string) ([]*Task, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(projectIDs))
	placeholders = placeholders[:len(placeholders)-1]

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'TODO' AND project_id IN (` + placeholders + `)
		ORDER BY priority ASC, created_at ASC`

	args := make([]interface{}, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying available tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListClaimedTasks returns the tasks currently held by an agent
// (CLAIMED, IN_PROGRESS or BLOCKED_ON_HUMAN).
func (s *SQLiteStore) ListClaimedTasks(ctx context.Context, agentID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE claimed_by = ? AND status IN ('CLAIMED', 'IN_PROGRESS', 'BLOCKED_ON_HUMAN')
		ORDER BY claimed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying claimed tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CreateProject inserts a new project.
// Returns ErrDuplicateProject if the routing tag is already taken.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	query := `
		INSERT INTO projects (id, tenant_id, name, routing_tag, chat_channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.TenantID,
		project.Name,
		project.RoutingTag,
		nullable(project.ChatChannelID),
		project.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateProject
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
// Returns ErrNotFound if the project doesn't exist.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, routing_tag, COALESCE(chat_channel_id, ''), created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByRoutingTag resolves a routing tag extracted from external
// task text to its project. Returns ErrNotFound for unknown tags.
func (s *SQLiteStore) GetProjectByRoutingTag(ctx context.Context, tag string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, routing_tag, COALESCE(chat_channel_id, ''), created_at FROM projects WHERE routing_tag = ?`, tag)
	return scanProject(row)
}

// AddProjectMember adds an agent to a project's group. Adding an
// existing member is a no-op.
func (s *SQLiteStore) AddProjectMember(ctx context.Context, projectID, agentID string) error {
	query := `
		INSERT OR IGNORE INTO project_members (project_id, agent_id, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, projectID, agentID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("adding project member: %w", err)
	}
	return nil
}

// ListProjectMembers returns the agent ids eligible for a project's tasks.
func (s *SQLiteStore) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM project_members WHERE project_id = ? ORDER BY agent_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying project members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, fmt.Errorf("scanning project member: %w", err)
		}
		members = append(members, agentID)
	}
	return members, rows.Err()
}

// ListProjectsForAgent returns the ids of projects the agent belongs to.
func (s *SQLiteStore) ListProjectsForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id FROM project_members WHERE agent_id = ? ORDER BY project_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var projectID string
		if err := rows.Scan(&projectID); err != nil {
			return nil, fmt.Errorf("scanning agent project: %w", err)
		}
		projects = append(projects, projectID)
	}
	return projects, rows.Err()
}

// nullable converts an empty string to NULL for insertion.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var status, createdAtStr, updatedAtStr string
	var claimedAtStr sql.NullString

	err := row.Scan(
		&task.ID,
		&task.ExternalRef,
		&task.ProjectID,
		&task.Title,
		&task.Description,
		&task.Priority,
		&status,
		&task.ClaimedBy,
		&claimedAtStr,
		&task.ThreadRef,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	task.Status = TaskStatus(status)

	task.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if claimedAtStr.Valid && claimedAtStr.String != "" {
		t, err := time.Parse(time.RFC3339, claimedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing claimed_at: %w", err)
		}
		task.ClaimedAt = &t
	}

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanProject(row scanner) (*Project, error) {
	var project Project
	var createdAtStr string

	err := row.Scan(
		&project.ID,
		&project.TenantID,
		&project.Name,
		&project.RoutingTag,
		&project.ChatChannelID,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}

	project.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &project, nil
}
