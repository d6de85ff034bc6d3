package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"message-job-runner/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", false, func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// Insert writes the record in its own transaction together with an audit row.
func (s *Postgres) Insert(ctx context.Context, rec models.JobRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Kind, rec.Payload, string(rec.Status), rec.Attempts, rec.MaxAttempts, rec.NextRunAt, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'added', $2, NOW())
	`, rec.ID, rec.Kind); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, ErrNotFound
	}
	return rec, err
}

// UpdateStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Postgres) UpdateStatus(ctx context.Context, id string, status models.JobStatus, attempts int, nextRun time.Time, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), attempts, nextRun, lastError)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job that reached a terminal state.
func (s *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListResumable returns every job that must be re-admitted on start, oldest first.
func (s *Postgres) ListResumable(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC
	`, []string{string(models.StatusQueued), string(models.StatusGated), string(models.StatusRunning)})
	if err != nil {
		return nil, fmt.Errorf("query resumable jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func scanPostgres(row pgx.Row) (models.JobRecord, error) {
	var rec models.JobRecord
	var status string
	var lastErr pgtype.Text
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Payload, &status, &rec.Attempts, &rec.MaxAttempts, &rec.NextRunAt, &lastErr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, err
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = models.JobStatus(status)
	rec.LastError = textPtr(lastErr)
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
