// Package storage persists the run audit trail for the ingest pipeline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// RunStatus is the terminal outcome of a pipeline run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected"
)

// RunRecord is one row of pipeline_runs.
type RunRecord struct {
	ID          uuid.UUID     `json:"id"`
	SessionID   string        `json:"sessionId"`
	Filename    string        `json:"filename"`
	UserID      string        `json:"userId,omitempty"`
	Status      RunStatus     `json:"status"`
	FailedStage string        `json:"failedStage,omitempty"`
	Error       string        `json:"error,omitempty"`
	ItemCount   int           `json:"itemCount"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"-"`
}

// MarshalJSON reports Duration in milliseconds.
func (r RunRecord) MarshalJSON() ([]byte, error) {
	type plain RunRecord
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain: plain(r), DurationMs: r.Duration.Milliseconds()})
}

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RunRepository handles pipeline_runs rows.
type RunRepository struct {
	db DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db DB) *RunRepository {
	return &RunRepository{db: db}
}

// Insert stores a run record, assigning an id if missing.
func (r *RunRepository) Insert(ctx context.Context, run *RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()

	query := `
		INSERT INTO pipeline_runs (id, session_id, filename, user_id, status,
			failed_stage, error, item_count, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID.String(), run.SessionID, run.Filename, run.UserID, string(run.Status),
		run.FailedStage, run.Error, run.ItemCount, run.StartedAt, run.Duration.Milliseconds(),
	)
	return err
}

// GetByID retrieves a run by id.
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	query := `
		SELECT id, session_id, filename, user_id, status, failed_stage, error,
			item_count, started_at, duration_ms
		FROM pipeline_runs WHERE id = $1
	`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRecent lists the newest runs first.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, filename, user_id, status, failed_stage, error,
			item_count, started_at, duration_ms
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

// ListBySession lists the runs of one session, newest first.
func (r *RunRepository) ListBySession(ctx context.Context, sessionID string) ([]*RunRecord, error) {
	query := `
		SELECT id, session_id, filename, user_id, status, failed_stage, error,
			item_count, started_at, duration_ms
		FROM pipeline_runs
		WHERE session_id = $1
		ORDER BY started_at DESC
	`
	return r.list(ctx, query, sessionID)
}

func (r *RunRepository) list(ctx context.Context, query string, args ...interface{}) ([]*RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*RunRecord, error) {
	run := &RunRecord{}
	var (
		id         string
		status     string
		durationMs int64
	)
	if err := s.Scan(
		&id, &run.SessionID, &run.Filename, &run.UserID, &status,
		&run.FailedStage, &run.Error, &run.ItemCount, &run.StartedAt, &durationMs,
	); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	run.ID = parsed
	run.Status = RunStatus(status)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return run, nil
}
