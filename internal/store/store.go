// Package store persists job records so that persistent jobs survive a
// process restart. Terminal jobs are deleted; only the audit trail remains.
package store

import (
	"context"
	"errors"
	"time"

	"message-job-runner/internal/models"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// JobStore is the durable job table used by the processor.
type JobStore interface {
	Insert(ctx context.Context, rec models.JobRecord) error
	Get(ctx context.Context, id string) (models.JobRecord, error)
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, attempts int, nextRun time.Time, lastError *string) error
	Delete(ctx context.Context, id string) error
	ListResumable(ctx context.Context) ([]models.JobRecord, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	Close() error
}

var (
	_ JobStore = (*Postgres)(nil)
	_ JobStore = (*SQLite)(nil)
	_ JobStore = (*Memory)(nil)
)
