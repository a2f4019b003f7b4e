// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists workflows and their event logs in SQLite
// (C3 Event Store). It is the single source of truth the rest of the
// daemon rebuilds its in-memory state from on startup.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
	_ "modernc.org/sqlite"
)

// ErrWorktreeConflict is returned by CreateWorkflow when the worktree
// already has an active (non-terminal) workflow, enforcing invariant
// I2 at the database level via a partial unique index.
var ErrWorktreeConflict = errors.New("store: worktree already has an active workflow")

// ErrSequenceConflict is returned by AppendEvent when the given
// sequence number has already been used for the workflow, enforcing
// invariant E1.
var ErrSequenceConflict = errors.New("store: event sequence already used for this workflow")

// ErrNotFound is returned when a workflow lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string
	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite-backed event store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// configures pragmas, and runs any pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// storms under the writer lock and keeps every transaction
	// serialized within the process.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping probes both a read and a write path against the database, for
// the /health/ready handler: a read-only SQLite file (disk full, wrong
// permissions) would otherwise look healthy until the first real write.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `UPDATE health_check SET pinged_at = ? WHERE id = 1`, now); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	var pingedAt string
	if err := s.db.QueryRowContext(ctx, `SELECT pinged_at FROM health_check WHERE id = 1`).Scan(&pingedAt); err != nil {
		return fmt.Errorf("read probe: %w", err)
	}
	return nil
}

// CreateWorkflow inserts a new workflow row and its first event in one
// transaction. The partial unique index on worktree_path
// enforces invariant I2: if an active workflow already owns the
// worktree, the transaction fails and ErrWorktreeConflict is returned.
func (s *Store) CreateWorkflow(ctx context.Context, w *orchestrator.Workflow, first orchestrator.Event) error {
	// A single-connection pool (see Open) means every transaction is
	// already serialized against the rest of the process. BeginTx opens
	// SQLite's default deferred transaction, so the write lock is taken
	// at the first INSERT, not up front as BEGIN IMMEDIATE would.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	blob, err := json.Marshal(w.StateBlob)
	if err != nil {
		return fmt.Errorf("marshal state blob: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, issue_id, worktree_path, worktree_name, status, current_stage,
			failure_reason, state_blob, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.IssueID, w.WorktreePath, w.WorktreeName, string(w.Status), w.CurrentStage,
		nullString(w.FailureReason), string(blob), formatTime(w.StartedAt), formatTime(w.CompletedAt),
		now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrWorktreeConflict
		}
		return fmt.Errorf("insert workflow: %w", err)
	}

	if err := insertEvent(ctx, tx, first); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendEvent inserts the next event for a workflow and updates the
// workflow's denormalized snapshot columns in one transaction. updated
// is the Workflow projection after folding in event (normally computed
// by the caller via pkg/orchestrator.Project or an incremental apply).
func (s *Store) AppendEvent(ctx context.Context, event orchestrator.Event, updated *orchestrator.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	blob, err := json.Marshal(updated.StateBlob)
	if err != nil {
		return fmt.Errorf("marshal state blob: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE workflows SET
			status = ?, current_stage = ?, failure_reason = ?, state_blob = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(updated.Status), updated.CurrentStage, nullString(updated.FailureReason), string(blob),
		formatTime(updated.StartedAt), formatTime(updated.CompletedAt), now,
		updated.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow snapshot: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e orchestrator.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, workflow_id, sequence, timestamp, agent, event_type, message, data,
			correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.WorkflowID, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339Nano), nullString(e.Agent),
		string(e.EventType), nullString(e.Message), string(data),
		nullString(e.CorrelationID),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetWorkflow returns the current denormalized workflow snapshot.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*orchestrator.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, worktree_path, worktree_name, status, current_stage, failure_reason,
			state_blob, started_at, completed_at
		FROM workflows WHERE id = ?
	`, id)
	return scanWorkflow(row)
}

// ListActiveWorktrees returns worktree_path -> workflow_id for every
// workflow whose status is non-terminal.
func (s *Store) ListActiveWorktrees(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worktree_path, id FROM workflows
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("list active worktrees: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, id string
		if err := rows.Scan(&path, &id); err != nil {
			return nil, err
		}
		out[path] = id
	}
	return out, rows.Err()
}

// ListFilter narrows ListWorkflows by status and/or worktree path; zero
// values mean "no filter on this field".
type ListFilter struct {
	Status       orchestrator.Status
	WorktreePath string
}

// Page is one cursor-paginated slice of workflows, newest first by
// (started_at, id) per spec section 6's GET /workflows contract.
type Page struct {
	Workflows []*orchestrator.Workflow
	Cursor    string
	HasMore   bool
}

// ListWorkflows returns a cursor-paginated, newest-first page of
// workflows matching filter. cursor is the opaque value returned by a
// previous call's Page.Cursor, or empty for the first page.
func (s *Store) ListWorkflows(ctx context.Context, filter ListFilter, limit int, cursor string) (Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var afterSort, afterID string
	if cursor != "" {
		var err error
		afterSort, afterID, err = decodeListCursor(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("decode cursor: %w", err)
		}
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, filter.WorktreePath)
	}
	if cursor != "" {
		where = append(where, "(COALESCE(started_at, ''), id) < (?, ?)")
		args = append(args, afterSort, afterID)
	}

	query := `
		SELECT id, issue_id, worktree_path, worktree_name, status, current_stage, failure_reason,
			state_blob, started_at, completed_at
		FROM workflows
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(started_at, '') DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return Page{}, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Workflows: out}
	if len(out) > limit {
		page.Workflows = out[:limit]
		page.HasMore = true
		last := page.Workflows[len(page.Workflows)-1]
		page.Cursor = encodeListCursor(listSortKey(last), last.ID)
	}
	return page, nil
}

func listSortKey(w *orchestrator.Workflow) string {
	if w.StartedAt != nil {
		return w.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

func encodeListCursor(sortKey, id string) string {
	raw := sortKey + "\x1f" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeListCursor(cursor string) (sortKey, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor encoding: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x1f", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid cursor contents")
	}
	return parts[0], parts[1], nil
}

// ListNonTerminal returns every workflow not in a terminal state, used
// by the lifecycle coordinator for crash recovery on startup.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*orchestrator.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, worktree_path, worktree_name, status, current_stage, failure_reason,
			state_blob, started_at, completed_at
		FROM workflows
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal workflows: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkFailed force-transitions a workflow to failed outside the normal
// event-sourced path. Used only for crash recovery (C12), where a
// synthetic WORKFLOW_FAILED event is also appended by the caller.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(orchestrator.StatusFailed), reason, now, now, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ErrPlanExists is returned by SetPlanContent when a workflow already
// carries an external plan and force was not set.
var ErrPlanExists = errors.New("store: workflow already has an external plan")

// SetPlanContent stores an externally-supplied plan on a workflow's
// state blob ahead of its planning node picking it up (REST
// POST /workflows/{id}/plan). Unlike AppendEvent this mutates the
// snapshot directly with no corresponding event, the same carve-out
// MarkFailed uses for crash recovery: the pipeline's own STAGE_COMPLETED
// "plan" event is still the durable record of when planning finished.
func (s *Store) SetPlanContent(ctx context.Context, id, content string, force bool) error {
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return fmt.Errorf("store: workflow %q is already terminal", id)
	}
	if w.ExternalPlan && !force {
		return ErrPlanExists
	}

	if w.StateBlob == nil {
		w.StateBlob = make(map[string]any)
	}
	w.StateBlob["plan_content"] = content
	blob, err := json.Marshal(w.StateBlob)
	if err != nil {
		return fmt.Errorf("marshal state blob: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET state_blob = ?, updated_at = ?
		WHERE id = ?
	`, string(blob), now, id)
	if err != nil {
		return fmt.Errorf("set plan content: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEvents returns every event for a workflow ordered by sequence.
func (s *Store) GetEvents(ctx context.Context, workflowID string) ([]orchestrator.Event, error) {
	return s.getEventsSince(ctx, workflowID, 0)
}

// GetEventsSince returns events with sequence strictly greater than
// since, used for WebSocket reconnect backfill (C10).
func (s *Store) GetEventsSince(ctx context.Context, workflowID string, since int64) ([]orchestrator.Event, error) {
	return s.getEventsSince(ctx, workflowID, since)
}

func (s *Store) getEventsSince(ctx context.Context, workflowID string, since int64) ([]orchestrator.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, sequence, timestamp, agent, event_type, message, data,
			correlation_id
		FROM events WHERE workflow_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, workflowID, since)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []orchestrator.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetMaxSequence returns the highest sequence number recorded for a
// workflow, or 0 if none exist.
func (s *Store) GetMaxSequence(ctx context.Context, workflowID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE workflow_id = ?`, workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("get max sequence: %w", err)
	}
	return max.Int64, nil
}

// EventExists reports whether an event at the given sequence has
// already been recorded for the workflow.
func (s *Store) EventExists(ctx context.Context, workflowID string, sequence int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE workflow_id = ? AND sequence = ?`, workflowID, sequence,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("event exists: %w", err)
	}
	return count > 0, nil
}

// RecordTokenUsage persists a token usage record alongside its
// computed cost.
func (s *Store) RecordTokenUsage(ctx context.Context, u orchestrator.TokenUsage, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (workflow_id, agent, model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.WorkflowID, u.Agent, u.Model, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheWriteTokens, costUSD, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

// TotalCost returns the sum of token usage cost recorded for a
// workflow.
func (s *Store) TotalCost(ctx context.Context, workflowID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM token_usage WHERE workflow_id = ?`, workflowID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total.Float64, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scannable) (*orchestrator.Workflow, error) {
	var w orchestrator.Workflow
	var status string
	var worktreeName, currentStage, failureReason, stateBlob sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(&w.ID, &w.IssueID, &w.WorktreePath, &worktreeName, &status, &currentStage,
		&failureReason, &stateBlob, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	w.Status = orchestrator.Status(status)
	w.WorktreeName = worktreeName.String
	w.CurrentStage = currentStage.String
	w.FailureReason = failureReason.String

	if stateBlob.Valid && stateBlob.String != "" {
		if err := json.Unmarshal([]byte(stateBlob.String), &w.StateBlob); err != nil {
			return nil, fmt.Errorf("unmarshal state blob: %w", err)
		}
		if plan, ok := w.StateBlob["plan_content"].(string); ok && plan != "" {
			w.ExternalPlan = true
		}
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			w.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			w.CompletedAt = &t
		}
	}

	return &w, nil
}

func scanEvent(row scannable) (orchestrator.Event, error) {
	var e orchestrator.Event
	var timestamp string
	var agent, message, data, correlationID sql.NullString
	var eventType string

	err := row.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &timestamp, &agent, &eventType, &message, &data,
		&correlationID)
	if err != nil {
		return orchestrator.Event{}, fmt.Errorf("scan event: %w", err)
	}

	e.EventType = orchestrator.EventType(eventType)
	e.Agent = agent.String
	e.Message = message.String
	e.CorrelationID = correlationID.String

	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		e.Timestamp = t
	}
	if data.Valid && data.String != "" && data.String != "null" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return orchestrator.Event{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}

	return e, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
