// Package store provides SQLite-backed persistence for Dirigent state:
// missions, tasks, executions, retry state, and an append-only event
// journal. Persistence is optional; the core runs fully in memory when no
// store is wired.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praxislabs/dirigent/internal/coordinator"
	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/mission"
	"github.com/praxislabs/dirigent/internal/retry"
	"github.com/praxislabs/dirigent/internal/scheduler"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS missions (
	mission_id      TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	phase           TEXT NOT NULL,
	status          TEXT NOT NULL,
	rollback_point  TEXT NOT NULL DEFAULT '',
	failure_reason  TEXT NOT NULL DEFAULT '',
	tasks_total     INTEGER NOT NULL DEFAULT 0,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	created_at_unix INTEGER NOT NULL,
	updated_at_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	mission_id        TEXT NOT NULL,
	title             TEXT NOT NULL,
	priority          TEXT NOT NULL,
	status            TEXT NOT NULL,
	dependencies_json TEXT NOT NULL DEFAULT '[]',
	attempts          INTEGER NOT NULL DEFAULT 0,
	failure_reason    TEXT NOT NULL DEFAULT '',
	result_json       TEXT NOT NULL DEFAULT 'null',
	created_at_unix   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_mission ON tasks(mission_id, status);

CREATE TABLE IF NOT EXISTS executions (
	execution_id     TEXT PRIMARY KEY,
	mission_id       TEXT NOT NULL,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	started_at_unix  INTEGER NOT NULL,
	finished_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_mission ON executions(mission_id);

CREATE TABLE IF NOT EXISTS retry_states (
	task_id    TEXT PRIMARY KEY,
	state_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS event_journal (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_type ON event_journal(event_type);
`

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with recommended pragmas and
// runs the V1 schema migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMission inserts or updates a mission record.
func (s *Store) SaveMission(ctx context.Context, m *mission.Mission) error {
	const q = `INSERT INTO missions (mission_id, title, description, phase, status, rollback_point, failure_reason, tasks_total, tasks_completed, created_at_unix, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mission_id) DO UPDATE SET
	phase = excluded.phase,
	status = excluded.status,
	rollback_point = excluded.rollback_point,
	failure_reason = excluded.failure_reason,
	tasks_total = excluded.tasks_total,
	tasks_completed = excluded.tasks_completed,
	updated_at_unix = excluded.updated_at_unix`

	_, err := s.db.ExecContext(ctx, q,
		m.ID, m.Title, m.Description,
		string(m.Phase), string(m.Status),
		m.RollbackPoint, m.FailureReason,
		m.Progress.TasksTotal, m.Progress.TasksCompleted,
		m.CreatedAt.Unix(), m.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// GetMission retrieves a mission by ID.
func (s *Store) GetMission(ctx context.Context, missionID string) (*mission.Mission, error) {
	const q = `SELECT mission_id, title, description, phase, status, rollback_point, failure_reason, tasks_total, tasks_completed, created_at_unix, updated_at_unix
FROM missions WHERE mission_id = ?`

	row := s.db.QueryRowContext(ctx, q, missionID)

	var m mission.Mission
	var phase, status string
	var created, updated int64
	err := row.Scan(&m.ID, &m.Title, &m.Description, &phase, &status,
		&m.RollbackPoint, &m.FailureReason,
		&m.Progress.TasksTotal, &m.Progress.TasksCompleted,
		&created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("mission", missionID)
		}
		return nil, fmt.Errorf("get mission: %w", err)
	}
	m.Phase = mission.Phase(phase)
	m.Status = mission.Status(status)
	m.CreatedAt = time.Unix(created, 0)
	m.UpdatedAt = time.Unix(updated, 0)
	return &m, nil
}

// ListMissions retrieves all missions ordered by creation time.
func (s *Store) ListMissions(ctx context.Context) ([]*mission.Mission, error) {
	const q = `SELECT mission_id, title, description, phase, status, rollback_point, failure_reason, tasks_total, tasks_completed, created_at_unix, updated_at_unix
FROM missions ORDER BY created_at_unix, mission_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var missions []*mission.Mission
	for rows.Next() {
		var m mission.Mission
		var phase, status string
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &phase, &status,
			&m.RollbackPoint, &m.FailureReason,
			&m.Progress.TasksTotal, &m.Progress.TasksCompleted,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		m.Phase = mission.Phase(phase)
		m.Status = mission.Status(status)
		m.CreatedAt = time.Unix(created, 0)
		m.UpdatedAt = time.Unix(updated, 0)
		missions = append(missions, &m)
	}
	return missions, rows.Err()
}

// SaveTask inserts or updates a task record.
func (s *Store) SaveTask(ctx context.Context, t *scheduler.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	result, err := json.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	const q = `INSERT INTO tasks (task_id, mission_id, title, priority, status, dependencies_json, attempts, failure_reason, result_json, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	status = excluded.status,
	attempts = excluded.attempts,
	failure_reason = excluded.failure_reason,
	result_json = excluded.result_json`

	_, err = s.db.ExecContext(ctx, q,
		t.ID, t.MissionID, t.Title,
		string(t.Priority), string(t.Status),
		string(deps), t.Attempts, t.FailureReason,
		string(result), t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// ListTasks retrieves a mission's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, missionID string) ([]*scheduler.Task, error) {
	const q = `SELECT task_id, mission_id, title, priority, status, dependencies_json, attempts, failure_reason, result_json, created_at_unix
FROM tasks WHERE mission_id = ? ORDER BY created_at_unix, task_id`

	rows, err := s.db.QueryContext(ctx, q, missionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		var t scheduler.Task
		var priority, status, deps, result string
		var created int64
		if err := rows.Scan(&t.ID, &t.MissionID, &t.Title, &priority, &status,
			&deps, &t.Attempts, &t.FailureReason, &result, &created); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
		if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Priority = scheduler.Priority(priority)
		t.Status = scheduler.Status(status)
		t.CreatedAt = time.Unix(created, 0)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SaveExecution inserts or updates an execution record.
func (s *Store) SaveExecution(ctx context.Context, e *coordinator.Execution) error {
	var finished int64
	if e.FinishedAt != nil {
		finished = e.FinishedAt.Unix()
	}

	const q = `INSERT INTO executions (execution_id, mission_id, status, error, started_at_unix, finished_at_unix)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
	status = excluded.status,
	error = excluded.error,
	finished_at_unix = excluded.finished_at_unix`

	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.MissionID, string(e.Status), e.Error,
		e.StartedAt.Unix(), finished,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListExecutions retrieves all executions in start order.
func (s *Store) ListExecutions(ctx context.Context) ([]*coordinator.Execution, error) {
	const q = `SELECT execution_id, mission_id, status, error, started_at_unix, finished_at_unix
FROM executions ORDER BY started_at_unix, execution_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*coordinator.Execution
	for rows.Next() {
		var e coordinator.Execution
		var status string
		var started, finished int64
		if err := rows.Scan(&e.ID, &e.MissionID, &status, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = coordinator.ExecutionStatus(status)
		e.StartedAt = time.Unix(started, 0)
		if finished > 0 {
			t := time.Unix(finished, 0)
			e.FinishedAt = &t
		}
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

// SaveRetryStates replaces all persisted retry state with the given map.
func (s *Store) SaveRetryStates(ctx context.Context, states map[string]*retry.TaskState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_states`); err != nil {
		return fmt.Errorf("clear retry states: %w", err)
	}
	for taskID, state := range states {
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal retry state: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO retry_states (task_id, state_json) VALUES (?, ?)`,
			taskID, string(payload)); err != nil {
			return fmt.Errorf("save retry state: %w", err)
		}
	}
	return tx.Commit()
}

// LoadRetryStates retrieves all persisted retry state.
func (s *Store) LoadRetryStates(ctx context.Context) (map[string]*retry.TaskState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, state_json FROM retry_states`)
	if err != nil {
		return nil, fmt.Errorf("load retry states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*retry.TaskState)
	for rows.Next() {
		var taskID, payload string
		if err := rows.Scan(&taskID, &payload); err != nil {
			return nil, fmt.Errorf("scan retry state: %w", err)
		}
		var state retry.TaskState
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, fmt.Errorf("unmarshal retry state: %w", err)
		}
		states[taskID] = &state
	}
	return states, rows.Err()
}

// Journal appends one event to the journal.
func (s *Store) Journal(ctx context.Context, eventType, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_journal (event_type, payload_json, created_at) VALUES (?, ?, ?)`,
		eventType, payloadJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}
	return nil
}

// JournalCount returns the number of journaled events of a type. An empty
// type counts everything.
func (s *Store) JournalCount(ctx context.Context, eventType string) (int, error) {
	q := `SELECT COUNT(*) FROM event_journal`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// AttachBus subscribes the store to every event on the bus, journaling each
// one. Returns the subscription ID for later detachment.
func (s *Store) AttachBus(bus *event.Bus) string {
	return bus.SubscribeAll(func(e event.Event) {
		payload, err := json.Marshal(e)
		if err != nil {
			payload = []byte("{}")
		}
		// Journal failures must never disturb event delivery.
		_ = s.Journal(context.Background(), e.EventType(), string(payload))
	})
}
