// Package store is an optional PostgreSQL journal of completed jobs.
// The pipeline itself never touches the network; recording happens at
// the CLI layer after a job finishes, and only when a database is
// configured.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/veil/internal/types"
)

// Store manages the PostgreSQL connection for the job journal.
type Store struct {
	conn *pgx.Conn
}

// JobRecord is one journaled anonymization job.
type JobRecord struct {
	ID              string
	InputPath       string
	OutputPath      string
	Status          types.JobStatus
	FacesDetected   int
	FramesProcessed int
	DurationMs      int64
	Error           string
	CompletedAt     time.Time
}

// New establishes a connection and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (auto-migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			status TEXT NOT NULL,
			faces_detected INT NOT NULL DEFAULT 0,
			frames_processed INT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			completed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS blur_intervals (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT REFERENCES jobs(id),
			track_id TEXT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS blur_intervals_job_id_idx ON blur_intervals (job_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordJob journals one finished job and its blur intervals. Re-running
// a job on the same input replaces the previous record and intervals, so
// the journal stays idempotent per input file.
func (s *Store) RecordJob(ctx context.Context, jobID string, inputPath string, result types.JobResult) error {
	if _, err := s.conn.Exec(ctx, "DELETE FROM blur_intervals WHERE job_id = $1", jobID); err != nil {
		return err
	}

	status := types.JobSucceeded
	errMsg := ""
	if !result.Success {
		status = types.JobFailed
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO jobs (id, input_path, output_path, status, faces_detected, frames_processed, duration_ms, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			output_path = EXCLUDED.output_path,
			status = EXCLUDED.status,
			faces_detected = EXCLUDED.faces_detected,
			frames_processed = EXCLUDED.frames_processed,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error,
			completed_at = NOW()
	`, jobID, inputPath, result.OutputPath, status, result.FacesDetected,
		result.FramesProcessed, result.DurationMs, errMsg)
	if err != nil {
		return err
	}

	for _, iv := range result.Intervals {
		_, err := s.conn.Exec(ctx, `
			INSERT INTO blur_intervals (job_id, track_id, start_time, end_time)
			VALUES ($1, $2, $3, $4)
		`, jobID, iv.TrackID, iv.Start, iv.End)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListJobs returns the journal, most recent first.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, input_path, output_path, status, faces_detected, frames_processed, duration_ms, COALESCE(error, ''), completed_at
		FROM jobs ORDER BY completed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.ID, &j.InputPath, &j.OutputPath, &j.Status, &j.FacesDetected,
			&j.FramesProcessed, &j.DurationMs, &j.Error, &j.CompletedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Intervals returns the blur intervals recorded for one job.
func (s *Store) Intervals(ctx context.Context, jobID string) ([]types.Interval, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT track_id, start_time, end_time
		FROM blur_intervals WHERE job_id = $1 ORDER BY start_time
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []types.Interval
	for rows.Next() {
		var iv types.Interval
		if err := rows.Scan(&iv.TrackID, &iv.Start, &iv.End); err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS blur_intervals CASCADE;
		DROP TABLE IF EXISTS jobs CASCADE;
	`)
	return err
}

// JobID creates a deterministic identifier for the input file based on
// its path, size, and modification time, so re-processing an unchanged
// file maps to the same journal entry.
func JobID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
