package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
	StatusRejected  = "rejected"
)

// Job is one row of the run ledger.
type Job struct {
	ID         uuid.UUID
	TargetID   string
	TargetPath string
	OutputPath string
	Processors []string
	Mode       string
	Frames     int
	Failed     int
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Failure is one frame that was left unprocessed.
type Failure struct {
	Processor string
	Path      string
	Error     string
}

// Store records jobs and their frame failures in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			target_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			processors TEXT[] NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			frames INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS frame_failures (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT REFERENCES jobs(id) ON DELETE CASCADE,
			processor TEXT NOT NULL,
			path TEXT NOT NULL,
			error TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS frame_failures_job_id_idx ON frame_failures (job_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// StartJob inserts a running job and returns its new run id.
func (s *Store) StartJob(ctx context.Context, targetID, targetPath, outputPath string, processors []string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO jobs (id, target_id, target_path, output_path, processors, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), targetID, targetPath, outputPath, processors, StatusRunning)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// RecordFailures bulk-inserts the frames a processor pass could not process.
func (s *Store) RecordFailures(ctx context.Context, jobID uuid.UUID, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([][]any, len(failures))
	for i, f := range failures {
		rows[i] = []any{jobID.String(), f.Processor, f.Path, f.Error}
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"frame_failures"},
		[]string{"job_id", "processor", "path", "error"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// FinishJob stamps the final outcome of a job.
func (s *Store) FinishJob(ctx context.Context, jobID uuid.UUID, status, mode string, frames, failed int) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE jobs SET status = $2, mode = $3, frames = $4, failed = $5, finished_at = NOW()
		WHERE id = $1
	`, jobID.String(), status, mode, frames, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, target_id, target_path, output_path, processors, mode, frames, failed, status, started_at, finished_at
		FROM jobs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var id string
		if err := rows.Scan(&id, &j.TargetID, &j.TargetPath, &j.OutputPath, &j.Processors, &j.Mode, &j.Frames, &j.Failed, &j.Status, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		if j.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("job %q: %w", id, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Failures lists the failed frames of one job.
func (s *Store) Failures(ctx context.Context, jobID uuid.UUID) ([]Failure, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT processor, path, error FROM frame_failures WHERE job_id = $1 ORDER BY id
	`, jobID.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Failure, error) {
		var f Failure
		err := row.Scan(&f.Processor, &f.Path, &f.Error)
		return f, err
	})
}

// ErrNoJobs is returned by LastJob on an empty ledger.
var ErrNoJobs = errors.New("no jobs recorded")

// LastJob returns the most recent job.
func (s *Store) LastJob(ctx context.Context) (Job, error) {
	jobs, err := s.ListJobs(ctx, 1)
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, ErrNoJobs
	}
	return jobs[0], nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS frame_failures CASCADE;
		DROP TABLE IF EXISTS jobs CASCADE;
	`)
	return err
}
