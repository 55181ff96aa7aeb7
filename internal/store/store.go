// ABOUTME: Store interface and data types for the fleet-manager task ledger
// ABOUTME: Defines Agent, Capability, Task structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTask is returned when inserting a task whose id already exists
var ErrDuplicateTask = errors.New("task already exists")

// ErrInvalidTransition is returned when recording a result for a task that
// is not currently claimed, or that is already completed or failed
var ErrInvalidTransition = errors.New("invalid task state transition")

// Agent is the identity record for a polling agent. Created on first poll,
// updated on every subsequent poll, never deleted.
type Agent struct {
	ID       string
	Name     string
	LastSeen time.Time
}

// Capability declares that an agent can execute a task type at a version.
type Capability struct {
	Type    string
	Version int
}

// Task is one unit of work. AssignedAgentID and ClaimedAt are set together
// at claim time; exactly one of CompletedAt/FailedAt is set at completion.
type Task struct {
	ID              string
	OriginID        string
	Type            string
	Version         int
	Data            map[string]any
	ResultData      map[string]any
	Error           string
	AssignedAgentID *string
	CreatedAt       time.Time
	ClaimedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
}

// Claimed reports whether the task has been assigned to an agent.
func (t *Task) Claimed() bool {
	return t.ClaimedAt != nil
}

// Terminal reports whether the task has completed or failed.
func (t *Task) Terminal() bool {
	return t.CompletedAt != nil || t.FailedAt != nil
}

// Result is the outcome of a task execution. Exactly one of Data and
// Error is meaningful: a non-nil Data means success, otherwise failure.
type Result struct {
	Data  map[string]any
	Error string
}

// PollRequest carries one agent poll into the claim transaction.
type PollRequest struct {
	AgentID      string
	AgentName    string
	Capabilities []Capability
	MaxTasks     int
	Now          time.Time
}

// Stats summarizes ledger state for the status endpoint.
type Stats struct {
	ActiveAgents int
	TasksWaiting int
}

// AgentStatus is an agent together with its declared capabilities.
type AgentStatus struct {
	Agent        Agent
	Capabilities []Capability
}

// Store defines the persistence contract for the task ledger.
type Store interface {
	// UpsertAgent inserts the agent if absent, otherwise updates its
	// name and last-seen timestamp.
	UpsertAgent(ctx context.Context, id, name string, seen time.Time) (*Agent, error)

	// ReplaceCapabilities transactionally discards all capability rows
	// for the agent and inserts the given set.
	ReplaceCapabilities(ctx context.Context, agentID string, caps []Capability) error

	// PollTasks atomically refreshes agent identity and capabilities and
	// claims up to MaxTasks eligible unclaimed tasks for the agent.
	// The read of claimable tasks and the claim write happen in a single
	// transaction so no two polls can claim the same task.
	PollTasks(ctx context.Context, req PollRequest) ([]*Task, error)

	// RecordResult marks a claimed, non-terminal task completed or
	// failed. Returns ErrInvalidTransition if the task is unclaimed or
	// already terminal, ErrNotFound if it does not exist.
	RecordResult(ctx context.Context, taskID string, res Result) error

	// InsertTask adds a new pending task. Returns ErrDuplicateTask if
	// the id already exists.
	InsertTask(ctx context.Context, task *Task) error

	// GetTask returns a task by id, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// AgentCapabilities returns the agent's current capability set.
	AgentCapabilities(ctx context.Context, agentID string) ([]Capability, error)

	// Stats counts agents seen within activeThreshold and unclaimed tasks.
	Stats(ctx context.Context, activeThreshold time.Duration) (*Stats, error)

	// ListAgents enumerates all agents with their capabilities.
	ListAgents(ctx context.Context) ([]*AgentStatus, error)

	// ListTasks enumerates all tasks in insertion order.
	ListTasks(ctx context.Context) ([]*Task, error)

	// Close releases any resources held by the store
	Close() error
}
