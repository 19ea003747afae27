// Package repository persists the run journal: runs, their events and tool calls.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/internal/domain"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted view of a run.
type RunRecord struct {
	RunID     string
	UserID    string
	ThreadID  string
	Agent     string
	Message   string
	State     domain.RunState
	StartedAt time.Time
	EndedAt   *time.Time
	Response  string
	Error     *domain.RunError
	Metrics   domain.RunMetrics
}

// Result converts the record into the shape served to clients.
func (r *RunRecord) Result() domain.RunResult {
	res := domain.RunResult{
		RunID:    r.RunID,
		UserID:   r.UserID,
		ThreadID: r.ThreadID,
		State:    r.State,
		Success:  r.State == domain.RunStateCompleted,
		Response: r.Response,
		Error:    r.Error,
		Metrics:  r.Metrics,
	}
	if r.EndedAt != nil {
		res.Duration = r.EndedAt.Sub(r.StartedAt)
	}
	return res
}

// EventRecord is one journaled outbound frame.
type EventRecord struct {
	RunID     string          `json:"run_id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is the journal used by the engine, the bridge and the HTTP API.
type Store interface {
	CreateRun(ctx context.Context, run *RunRecord) error
	CompleteRun(ctx context.Context, result domain.RunResult) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	AppendEvent(ctx context.Context, event EventRecord) error
	ListEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]EventRecord, error)
	RecordToolCall(ctx context.Context, inv domain.ToolInvocation) error
	ListToolCalls(ctx context.Context, runID string) ([]domain.ToolInvocation, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := NewFromDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an existing handle without migrating it.
func NewFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			message TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			response TEXT,
			error TEXT,
			metrics TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts DATETIME NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			args TEXT,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, user_id, thread_id, agent, message, state, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.UserID, run.ThreadID, run.Agent, run.Message, string(run.State), run.StartedAt.UTC())
	return err
}

// CompleteRun stores the terminal state of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, result domain.RunResult) error {
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return err
	}
	var errData []byte
	if result.Error != nil {
		if errData, err = json.Marshal(result.Error); err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, ended_at = ?, response = ?, error = ?, metrics = ? WHERE run_id = ?`,
		string(result.State), time.Now().UTC(), nullString(result.Response), nullStringBytes(errData), string(metrics), result.RunID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", result.RunID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	var state string
	var endedAt sql.NullTime
	var response, errData, metrics sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, user_id, thread_id, agent, message, state, started_at, ended_at, response, error, metrics FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.UserID, &run.ThreadID, &run.Agent, &run.Message, &state, &run.StartedAt, &endedAt, &response, &errData, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run.State = domain.RunState(state)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	run.Response = response.String
	if errData.Valid && errData.String != "" {
		run.Error = &domain.RunError{}
		if err := json.Unmarshal([]byte(errData.String), run.Error); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("decode run metrics: %w", err)
		}
	}
	return &run, nil
}

// AppendEvent journals one emitted frame.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Sequence, event.Type, event.Timestamp.UTC(), string(event.Payload))
	return err
}

// ListEvents returns events with sequence > afterSeq in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]EventRecord, error) {
	query := `SELECT run_id, seq, type, ts, payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var event EventRecord
		var payload string
		if err := rows.Scan(&event.RunID, &event.Sequence, &event.Type, &event.Timestamp, &payload); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

// RecordToolCall upserts the latest view of a tool invocation.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, inv domain.ToolInvocation) error {
	var errData []byte
	if inv.Error != nil {
		var err error
		if errData, err = json.Marshal(inv.Error); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (tool_call_id, run_id, tool_name, status, attempt, args, result, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tool_call_id) DO UPDATE SET status = excluded.status, result = excluded.result,
		   error = excluded.error, duration_ms = excluded.duration_ms`,
		inv.ID, inv.RunID, inv.Tool, string(inv.Status), inv.Attempt,
		nullStringBytes(inv.Parameters), nullStringBytes(inv.Result), nullStringBytes(errData),
		inv.StartedAt.UTC(), inv.Duration.Milliseconds())
	return err
}

// ListToolCalls returns a run's tool calls in start order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, runID string) ([]domain.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_call_id, run_id, tool_name, status, attempt, args, result, error, started_at, duration_ms
		 FROM tool_calls WHERE run_id = ? ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.ToolInvocation
	for rows.Next() {
		var inv domain.ToolInvocation
		var status string
		var args, result, errData sql.NullString
		var durationMs int64
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.Tool, &status, &inv.Attempt, &args, &result, &errData, &inv.StartedAt, &durationMs); err != nil {
			return nil, err
		}
		inv.Status = domain.ToolStatus(status)
		inv.Duration = time.Duration(durationMs) * time.Millisecond
		if args.Valid {
			inv.Parameters = json.RawMessage(args.String)
		}
		if result.Valid {
			inv.Result = json.RawMessage(result.String)
		}
		if errData.Valid {
			inv.Error = &domain.ToolError{}
			if err := json.Unmarshal([]byte(errData.String), inv.Error); err != nil {
				return nil, fmt.Errorf("decode tool error: %w", err)
			}
		}
		calls = append(calls, inv)
	}
	return calls, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
