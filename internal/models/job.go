package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusGated     JobStatus = "gated"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Resumable reports whether a persisted job in this status must be re-admitted on start.
func (s JobStatus) Resumable() bool {
	switch s {
	case StatusQueued, StatusGated, StatusRunning:
		return true
	}
	return false
}

// JobRecord is the durable write-ahead record of a persistent job.
type JobRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// DeadLetter records a job that reached a terminal failure.
type DeadLetter struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	Payload  []byte    `json:"payload"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}
