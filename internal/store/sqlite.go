// ABOUTME: SQLite implementation of the task ledger using modernc.org/sqlite
// ABOUTME: Claim transactions run under BEGIN IMMEDIATE so polls serialize

package store

import (
	"context"
	"database/sql"
	"encoding/json"
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

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, which is what keeps find-claimable and claim linearizable
	// across concurrent polls. busy_timeout and foreign_keys go in the
	// DSN so they apply to every connection the pool opens: with the
	// timeout in place, concurrent pollers queue on the write lock
	// instead of failing with SQLITE_BUSY.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode is persistent, so once is enough
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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
		CREATE TABLE IF NOT EXISTS agents (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			last_seen DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_capabilities (
			agent_id TEXT NOT NULL,
			type     TEXT NOT NULL,
			version  INTEGER NOT NULL,
			PRIMARY KEY (agent_id, type, version),
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_capabilities_type_version
			ON agent_capabilities(type, version);

		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			origin_id         TEXT NOT NULL,
			type              TEXT NOT NULL,
			version           INTEGER NOT NULL,
			data              TEXT,
			result_data       TEXT,
			error             TEXT,
			assigned_agent_id TEXT REFERENCES agents(id),
			created_at        DATETIME NOT NULL,
			claimed_at        DATETIME,
			completed_at      DATETIME,
			failed_at         DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_unclaimed
			ON tasks(type, version) WHERE assigned_agent_id IS NULL;

		CREATE INDEX IF NOT EXISTS idx_tasks_agent
			ON tasks(assigned_agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// UpsertAgent inserts the agent if absent, otherwise refreshes last-seen
// only. A known agent keeps its stored name; the id is never re-created.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, id, name string, seen time.Time) (*Agent, error) {
	query := `
		INSERT INTO agents (id, name, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query, id, name, seen.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("upserting agent: %w", err)
	}

	var storedName string
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM agents WHERE id = ?`, id).Scan(&storedName); err != nil {
		return nil, fmt.Errorf("reading agent name: %w", err)
	}

	s.logger.Debug("upserted agent", "id", id, "name", storedName)
	return &Agent{ID: id, Name: storedName, LastSeen: seen.UTC()}, nil
}

// ReplaceCapabilities replaces the agent's capability rows with the given set.
func (s *SQLiteStore) ReplaceCapabilities(ctx context.Context, agentID string, caps []Capability) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceCapabilitiesTx(ctx, tx, agentID, caps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing capabilities: %w", err)
	}
	return nil
}

func replaceCapabilitiesTx(ctx context.Context, tx *sql.Tx, agentID string, caps []Capability) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}

	for _, c := range caps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (agent_id, type, version) VALUES (?, ?, ?)`,
			agentID, c.Type, c.Version,
		)
		if err != nil {
			return fmt.Errorf("inserting capability %s/%d: %w", c.Type, c.Version, err)
		}
	}
	return nil
}

func upsertAgentTx(ctx context.Context, tx *sql.Tx, id, name string, seen time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen
	`, id, name, seen.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// PollTasks runs one poll as a single transaction: refresh the agent row,
// replace its capability set, select up to MaxTasks claimable tasks in
// insertion order, and claim them for the agent. Either the whole poll
// commits or none of it does.
func (s *SQLiteStore) PollTasks(ctx context.Context, req PollRequest) ([]*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning poll transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertAgentTx(ctx, tx, req.AgentID, req.AgentName, req.Now); err != nil {
		return nil, err
	}
	if err := replaceCapabilitiesTx(ctx, tx, req.AgentID, req.Capabilities); err != nil {
		return nil, err
	}

	var tasks []*Task
	if req.MaxTasks > 0 && len(req.Capabilities) > 0 {
		tasks, err = claimTasksTx(ctx, tx, req)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing poll: %w", err)
	}

	s.logger.Debug("poll committed",
		"agent_id", req.AgentID,
		"capabilities", len(req.Capabilities),
		"claimed", len(tasks),
	)
	return tasks, nil
}

// claimTasksTx reads claimable tasks matching the agent's just-written
// capability set and marks them claimed, inside the caller's transaction.
func claimTasksTx(ctx context.Context, tx *sql.Tx, req PollRequest) ([]*Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id, t.origin_id, t.type, t.version, t.data, t.created_at
		FROM tasks t
		JOIN agent_capabilities c
			ON c.type = t.type AND c.version = t.version
		WHERE c.agent_id = ? AND t.assigned_agent_id IS NULL
		ORDER BY t.created_at, t.id
		LIMIT ?
	`, req.AgentID, req.MaxTasks)
	if err != nil {
		return nil, fmt.Errorf("querying claimable tasks: %w", err)
	}
	defer rows.Close()

	claimedAt := req.Now.UTC()
	var tasks []*Task
	for rows.Next() {
		var t Task
		var data sql.NullString
		var createdAtStr string

		if err := rows.Scan(&t.ID, &t.OriginID, &t.Type, &t.Version, &data, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}

		t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if t.Data, err = unmarshalPayload(data); err != nil {
			return nil, err
		}

		agentID := req.AgentID
		t.AssignedAgentID = &agentID
		claimed := claimedAt
		t.ClaimedAt = &claimed
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_agent_id = ?, claimed_at = ?
			WHERE id = ? AND assigned_agent_id IS NULL
		`, req.AgentID, claimedAt.Format(time.RFC3339), t.ID)
		if err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", t.ID, err)
		}
	}

	return tasks, nil
}

// RecordResult marks a claimed non-terminal task completed or failed.
// The terminal condition is checked in the UPDATE itself so a concurrent
// or repeated post cannot overwrite a terminal state.
func (s *SQLiteStore) RecordResult(ctx context.Context, taskID string, res Result) error {
	var query string
	var args []any
	now := time.Now().UTC().Format(time.RFC3339)

	if res.Data != nil {
		payload, err := marshalPayload(res.Data)
		if err != nil {
			return err
		}
		query = `
			UPDATE tasks SET result_data = ?, completed_at = ?
			WHERE id = ? AND claimed_at IS NOT NULL
				AND completed_at IS NULL AND failed_at IS NULL
		`
		args = []any{payload, now, taskID}
	} else {
		query = `
			UPDATE tasks SET error = ?, failed_at = ?
			WHERE id = ? AND claimed_at IS NOT NULL
				AND completed_at IS NULL AND failed_at IS NULL
		`
		args = []any{res.Error, now, taskID}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording result: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking task existence: %w", err)
		}
		return ErrInvalidTransition
	}

	s.logger.Debug("recorded result", "task_id", taskID, "failed", res.Data == nil)
	return nil
}

// InsertTask adds a new pending task.
// Returns ErrDuplicateTask if the id already exists.
func (s *SQLiteStore) InsertTask(ctx context.Context, task *Task) error {
	payload, err := marshalPayload(task.Data)
	if err != nil {
		return err
	}

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, origin_id, type, version, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.ID, task.OriginID, task.Type, task.Version, payload,
		createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("inserted task", "id", task.ID, "type", task.Type, "version", task.Version)
	return nil
}

// GetTask retrieves a task by id.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, origin_id, type, version, data, result_data, error,
			assigned_agent_id, created_at, claimed_at, completed_at, failed_at
		FROM tasks
		WHERE id = ?
	`, id)

	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// AgentCapabilities returns the agent's current capability set.
func (s *SQLiteStore) AgentCapabilities(ctx context.Context, agentID string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, version FROM agent_capabilities
		WHERE agent_id = ?
		ORDER BY type, version
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying capabilities: %w", err)
	}
	defer rows.Close()

	var caps []Capability
	for rows.Next() {
		var c Capability
		if err := rows.Scan(&c.Type, &c.Version); err != nil {
			return nil, fmt.Errorf("scanning capability row: %w", err)
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// Stats counts agents seen within activeThreshold and unclaimed tasks.
func (s *SQLiteStore) Stats(ctx context.Context, activeThreshold time.Duration) (*Stats, error) {
	cutoff := time.Now().Add(-activeThreshold).UTC().Format(time.RFC3339)

	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE last_seen > ?`, cutoff,
	).Scan(&stats.ActiveAgents)
	if err != nil {
		return nil, fmt.Errorf("counting active agents: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE claimed_at IS NULL`,
	).Scan(&stats.TasksWaiting)
	if err != nil {
		return nil, fmt.Errorf("counting waiting tasks: %w", err)
	}

	return &stats, nil
}

// ListAgents enumerates all agents with their declared capabilities.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, last_seen FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentStatus
	for rows.Next() {
		var a Agent
		var lastSeenStr string
		if err := rows.Scan(&a.ID, &a.Name, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		a.LastSeen, err = time.Parse(time.RFC3339, lastSeenStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		agents = append(agents, &AgentStatus{Agent: a})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	for _, as := range agents {
		caps, err := s.AgentCapabilities(ctx, as.Agent.ID)
		if err != nil {
			return nil, err
		}
		as.Capabilities = caps
	}
	return agents, nil
}

// ListTasks enumerates all tasks in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin_id, type, version, data, result_data, error,
			assigned_agent_id, created_at, claimed_at, completed_at, failed_at
		FROM tasks
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask scans the full task column set shared by GetTask and ListTasks.
func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var data, resultData, errMsg, assignedAgent sql.NullString
	var createdAtStr string
	var claimedAt, completedAt, failedAt sql.NullString

	err := scan(&t.ID, &t.OriginID, &t.Type, &t.Version, &data, &resultData,
		&errMsg, &assignedAgent, &createdAtStr, &claimedAt, &completedAt, &failedAt)
	if err != nil {
		return nil, err
	}

	t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.Data, err = unmarshalPayload(data); err != nil {
		return nil, err
	}
	if t.ResultData, err = unmarshalPayload(resultData); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if assignedAgent.Valid {
		t.AssignedAgentID = &assignedAgent.String
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.FailedAt, err = parseNullTime(failedAt); err != nil {
		return nil, err
	}

	return &t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

// marshalPayload serializes a task payload as JSON text, nil for empty.
func marshalPayload(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return string(b), nil
}

func unmarshalPayload(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	return m, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
