// ABOUTME: Store interface and data types for task and project persistence
// ABOUTME: Defines Task, Project structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when a task with the same external ref already exists
var ErrDuplicateTask = errors.New("task already exists")

// ErrDuplicateProject is returned when a project with the same routing tag already exists
var ErrDuplicateProject = errors.New("project already exists")

// TaskStatus is the task lifecycle state.
type TaskStatus string

// Task lifecycle states. DONE is terminal.
const (
	StatusTodo           TaskStatus = "TODO"
	StatusClaimed        TaskStatus = "CLAIMED"
	StatusInProgress     TaskStatus = "IN_PROGRESS"
	StatusBlockedOnHuman TaskStatus = "BLOCKED_ON_HUMAN"
	StatusDone           TaskStatus = "DONE"
)

// Task priorities, 1 is highest.
const (
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// Task is a unit of work created from a provider-side task and claimed
// by exactly one agent. Tasks are never hard-deleted; DONE is terminal
// but the row is retained.
//
// Invariant: ClaimedBy is empty while Status is TODO, and the
// TODO -> CLAIMED transition is performed only through the atomic
// conditional update in ClaimTask.
type Task struct {
	ID          string
	ExternalRef string // provider-side id, globally unique
	ProjectID   string
	Title       string
	Description string
	Priority    int // 1 = highest .. 4 = lowest
	Status      TaskStatus
	ClaimedBy   string // empty when unclaimed
	ClaimedAt   *time.Time
	ThreadRef   string // provider-side conversation linkage, empty if none
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Project maps a routing tag to a group of eligible agents and an
// optional chat channel for task announcements.
type Project struct {
	ID            string
	TenantID      string
	Name          string
	RoutingTag    string
	ChatChannelID string
	CreatedAt     time.Time
}

// Store defines the interface for task and project persistence
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByExternalRef(ctx context.Context, externalRef string) (*Task, error)
	GetTaskByThreadRef(ctx context.Context, threadRef string) (*Task, error)

	// ClaimTask atomically transitions a TODO, unclaimed task to CLAIMED
	// for the given agent. Returns true iff this call won the claim; a
	// false result means another agent holds the task, it is not in
	// TODO, or it does not exist. This is the single concurrency-control
	// primitive for claims and must never be split into read-then-write.
	ClaimTask(ctx context.Context, taskID, agentID string, claimedAt time.Time) (bool, error)

	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	SetTaskThreadRef(ctx context.Context, taskID, threadRef string) error
	ListAvailableTasks(ctx context.Context, projectIDs []string) ([]*Task, error)
	ListClaimedTasks(ctx context.Context, agentID string) ([]*Task, error)

	// Projects and group membership (the directory collaborator)
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByRoutingTag(ctx context.Context, tag string) (*Project, error)
	AddProjectMember(ctx context.Context, projectID, agentID string) error
	ListProjectMembers(ctx context.Context, projectID string) ([]string, error)
	ListProjectsForAgent(ctx context.Context, agentID string) ([]string, error)

	// Close releases any resources held by the store
	Ping(ctx context.Context) error
	Close() error
}
