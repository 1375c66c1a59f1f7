// Package audit persists an append-only record of every tool call and
// result that flows through the kernel. It is explicitly additive: a
// failure to record an audit row never blocks or fails the turn it
// describes, and the store sits off the conversation/compute-status
// persistence hot path entirely.
//
// The store is a database/sql wrapper over SQLite
// (github.com/mattn/go-sqlite3, driver name "sqlite3"), recording tool
// calls and results keyed by agent and task.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ToolCallRecord is one row of the audit trail: a tool invocation and,
// once it completes, its result.
type ToolCallRecord struct {
	ID        string
	AgentID   string
	TaskID    string
	ToolName  string
	Arguments json.RawMessage
	CreatedAt time.Time

	ResultContent string
	IsError       bool
	CompletedAt   sql.NullTime
}

// Store is the append-only audit trail.
type Store struct {
	db *sql.DB
}

// Open creates/opens the SQLite database at path and ensures its schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid lock contention
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			task_id        TEXT NOT NULL DEFAULT '',
			tool_name      TEXT NOT NULL,
			arguments_json TEXT NOT NULL,
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			result_content TEXT NOT NULL DEFAULT '',
			is_error       INTEGER NOT NULL DEFAULT 0,
			completed_at   DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// RecordCall inserts a new tool-call row. Call this before executing the
// tool so a crash mid-execution still leaves a trail.
func (s *Store) RecordCall(ctx context.Context, callID, agentID, taskID, toolName string, args json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, agent_id, task_id, tool_name, arguments_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, callID, agentID, taskID, toolName, string(args))
	if err != nil {
		return fmt.Errorf("audit: record call %s: %w", callID, err)
	}
	return nil
}

// RecordResult fills in the result half of a previously recorded call.
func (s *Store) RecordResult(ctx context.Context, callID, content string, isError bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls
		SET result_content = ?, is_error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, content, isError, callID)
	if err != nil {
		return fmt.Errorf("audit: record result %s: %w", callID, err)
	}
	return nil
}

// ForAgent returns the most recent calls for an agent, newest first.
func (s *Store) ForAgent(ctx context.Context, agentID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, task_id, tool_name, arguments_json, created_at,
		       result_content, is_error, completed_at
		FROM tool_calls
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var args string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.TaskID, &rec.ToolName, &args,
			&rec.CreatedAt, &rec.ResultContent, &rec.IsError, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		rec.Arguments = json.RawMessage(args)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
