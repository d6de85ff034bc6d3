package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"message-job-runner/internal/models"
)

// Memory is a process-local JobStore for tests and ephemeral runs.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]models.JobRecord
	audit []models.AuditLog
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.JobRecord)}
}

func (m *Memory) Insert(_ context.Context, rec models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.ID] = cloneRecord(rec)
	m.audit = append(m.audit, models.AuditLog{JobID: rec.ID, Event: "added", Detail: rec.Kind, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return models.JobRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status models.JobStatus, attempts int, nextRun time.Time, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.NextRunAt = nextRun
	rec.LastError = copyString(lastError)
	rec.UpdatedAt = time.Now().UTC()
	m.jobs[id] = rec
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListResumable(_ context.Context) ([]models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobRecord
	for _, rec := range m.jobs {
		if rec.Status.Resumable() {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit trail.
func (m *Memory) Audit() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.audit...)
}

// Len reports the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Memory) Close() error { return nil }

func cloneRecord(rec models.JobRecord) models.JobRecord {
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.LastError = copyString(rec.LastError)
	return rec
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
