package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"message-job-runner/internal/models"
)

// SQLite persists jobs in a single local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Times are stored as unix millis.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle so other tables can share the file.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

// RunMigrations executes the embedded SQLite migrations.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", true, func(ctx context.Context, stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
}

func (s *SQLite) Insert(ctx context.Context, rec models.JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Kind, rec.Payload, string(rec.Status), rec.Attempts, rec.MaxAttempts,
		rec.NextRunAt.UnixMilli(), nullString(rec.LastError), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, 'added', ?, ?)
	`, rec.ID, rec.Kind, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status models.JobStatus, attempts int, nextRun time.Time, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = ?, next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), attempts, nextRun.UnixMilli(), nullString(lastError), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *SQLite) ListResumable(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE status IN (?, ?, ?) ORDER BY created_at ASC
	`, string(models.StatusQueued), string(models.StatusGated), string(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query resumable jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, jobID, event, detail, time.Now().UnixMilli())
	return err
}

// AuditEvents returns the recorded events for a job in insertion order.
func (s *SQLite) AuditEvents(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var ts int64
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = time.UnixMilli(ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (models.JobRecord, error) {
	var rec models.JobRecord
	var status string
	var lastErr sql.NullString
	var nextRun, created, updated int64
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Payload, &status, &rec.Attempts, &rec.MaxAttempts, &nextRun, &lastErr, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobRecord{}, err
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = models.JobStatus(status)
	rec.NextRunAt = time.UnixMilli(nextRun).UTC()
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if lastErr.Valid {
		rec.LastError = &lastErr.String
	}
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
