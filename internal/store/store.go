package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	core "github.com/arxivist/arxivist/internal/agent/core"
)

// Store persists jobs and their finished reports in Postgres.
type Store struct {
	DB *sql.DB
}

// JobRecord is the persisted view of a job.
type JobRecord struct {
	ID            string
	Query         string
	Options       json.RawMessage
	Status        string
	Stage         string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// SaveJob upserts the job's current state.
func (s *Store) SaveJob(ctx context.Context, job *core.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, query, options, status, stage, failure_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Query, opts, string(job.Status), string(job.Stage),
		nullable(job.FailureReason), job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	var rec JobRecord
	var stage, reason sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, query, options, status, stage, failure_reason, created_at, updated_at
		FROM jobs WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Query, &rec.Options, &rec.Status, &stage, &reason, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	rec.Stage = stage.String
	rec.FailureReason = reason.String
	return rec, true, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, query, options, status, stage, failure_reason, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var stage, reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Options, &rec.Status, &stage, &reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Stage = stage.String
		rec.FailureReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveReport stores the finished markdown report for a job.
func (s *Store) SaveReport(ctx context.Context, jobID, markdown string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO reports (job_id, markdown, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (job_id) DO UPDATE SET markdown = EXCLUDED.markdown`,
		jobID, markdown, time.Now().UTC())
	return err
}

// GetReport loads the report for a job.
func (s *Store) GetReport(ctx context.Context, jobID string) (string, bool, error) {
	var md string
	err := s.DB.QueryRowContext(ctx, `SELECT markdown FROM reports WHERE job_id = $1`, jobID).Scan(&md)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return md, true, nil
}

// PutArtifact persists the terminal job state together with its report in
// one transaction, satisfying the dispatcher's artifact contract.
func (s *Store) PutArtifact(ctx context.Context, job *core.Job, report string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, query, options, status, stage, failure_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Query, opts, string(core.StatusCompleted), string(job.Stage),
		nil, job.CreatedAt, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (job_id, markdown, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (job_id) DO UPDATE SET markdown = EXCLUDED.markdown`,
		job.ID, report, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
