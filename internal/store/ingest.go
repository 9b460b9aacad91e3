package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/models"
)

// CreateRun records a new ingestion run.
func (s *Store) CreateRun(ctx context.Context, run *models.IngestRun) error {
	chunks, err := json.Marshal(run.Chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO ingest_runs (id, city_id, city_name, provider, start_date, end_date, status, chunks, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.CityID, run.CityName, run.Provider,
		run.StartDate.Format(time.DateOnly), run.EndDate.Format(time.DateOnly),
		string(run.Status), string(chunks), run.StartedAt.UTC())
	return apperr.Store("create run", err)
}

// UpdateRun writes the run's current status, counts and chunk results.
func (s *Store) UpdateRun(ctx context.Context, run *models.IngestRun) error {
	chunks, err := json.Marshal(run.Chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}

	var errMsg sql.NullString
	if run.Error != "" {
		errMsg = sql.NullString{String: run.Error, Valid: true}
	}
	var finishedAt sql.NullTime
	var durationMS sql.NullInt64
	if run.FinishedAt.Valid {
		finishedAt = sql.NullTime{Time: run.FinishedAt.Time.UTC(), Valid: true}
		durationMS = sql.NullInt64{Int64: run.Duration().Milliseconds(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		UPDATE ingest_runs SET
			status = ?,
			fetched = ?,
			inserted = ?,
			updated = ?,
			unchanged = ?,
			failed_chunks = ?,
			chunks = ?,
			error_message = ?,
			finished_at = ?,
			duration_ms = ?
		WHERE id = ?
	`), string(run.Status), run.Fetched, run.Inserted, run.Updated, run.Unchanged,
		run.FailedChunks, string(chunks), errMsg, finishedAt, durationMS, run.ID)
	return apperr.Store("update run", err)
}

const runColumns = `id, city_id, city_name, provider, start_date, end_date, status,
	fetched, inserted, updated, unchanged, failed_chunks, chunks, error_message, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*models.IngestRun, error) {
	var (
		r          models.IngestRun
		start, end string
		status     string
		chunks     string
		errMsg     sql.NullString
	)
	if err := row.Scan(&r.ID, &r.CityID, &r.CityName, &r.Provider, &start, &end, &status,
		&r.Fetched, &r.Inserted, &r.Updated, &r.Unchanged, &r.FailedChunks, &chunks,
		&errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}

	var err error
	if r.StartDate, err = time.Parse(time.DateOnly, start); err != nil {
		return nil, fmt.Errorf("parse start_date: %w", err)
	}
	if r.EndDate, err = time.Parse(time.DateOnly, end); err != nil {
		return nil, fmt.Errorf("parse end_date: %w", err)
	}
	if err := json.Unmarshal([]byte(chunks), &r.Chunks); err != nil {
		return nil, fmt.Errorf("unmarshal chunks: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.Error = errMsg.String
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt.Valid {
		r.FinishedAt.Time = r.FinishedAt.Time.UTC()
	}
	return &r, nil
}

// GetRun returns nil when no run has the given ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.IngestRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM ingest_runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get run", err)
	}
	return run, nil
}

// ListRecentRuns returns the newest runs first, optionally filtered by status.
func (s *Store) ListRecentRuns(ctx context.Context, limit int, statuses ...models.RunStatus) ([]models.IngestRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingest_runs`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, apperr.Store("list runs", err)
	}
	defer rows.Close()

	var results []models.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Store("list runs", err)
		}
		results = append(results, *r)
	}
	return results, apperr.Store("list runs", rows.Err())
}

// DeleteRunsBefore removes finished runs that started before cutoff and
// returns how many were deleted. Runs still in flight are kept.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM ingest_runs
		WHERE started_at < ? AND status NOT IN ('pending', 'running')
	`), cutoff.UTC())
	if err != nil {
		return 0, apperr.Store("delete runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Store("delete runs", err)
	}
	return n, nil
}
