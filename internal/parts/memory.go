package parts

import (
	"context"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"message-job-runner/internal/models"
)

type partKey struct{ message, part int64 }

// MemoryStore is an in-process part store.
type MemoryStore struct {
	mu    sync.Mutex
	parts map[partKey]models.Part
	committer
}

func NewMemoryStore(blobs Blobs, thumbSize int, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		parts:     make(map[partKey]models.Part),
		committer: newCommitter(blobs, thumbSize, logger),
	}
}

func (m *MemoryStore) InsertPart(_ context.Context, p models.Part) error {
	if p.State == "" {
		p.State = models.PartPending
	}
	m.mu.Lock()
	m.parts[partKey{p.MessageID, p.PartID}] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetPart(_ context.Context, messageID, partID int64) (models.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partKey{messageID, partID}]
	if !ok {
		return models.Part{}, ErrPartNotFound
	}
	return p, nil
}

func (m *MemoryStore) Parts(_ context.Context, messageID int64) ([]models.Part, error) {
	return m.filter(messageID, func(models.Part) bool { return true }), nil
}

func (m *MemoryStore) UnfetchedParts(_ context.Context, messageID int64) ([]models.Part, error) {
	return m.filter(messageID, func(p models.Part) bool { return p.State != models.PartDone }), nil
}

func (m *MemoryStore) MarkPartDownloading(_ context.Context, messageID, partID int64) error {
	return m.setState(messageID, partID, models.PartDownloading)
}

func (m *MemoryStore) MarkPartFailed(_ context.Context, messageID, partID int64) error {
	return m.setState(messageID, partID, models.PartFailed)
}

func (m *MemoryStore) MarkPartPendingApproval(_ context.Context, messageID, partID int64) error {
	return m.setState(messageID, partID, models.PartPendingApproval)
}

func (m *MemoryStore) CommitDownloadedPart(ctx context.Context, messageID, partID int64, body io.Reader) error {
	part, err := m.GetPart(ctx, messageID, partID)
	if err != nil {
		return err
	}
	if part.State == models.PartDone {
		return nil
	}
	c, err := m.commit(ctx, part, body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := partKey{messageID, partID}
	p := m.parts[k]
	if p.State == models.PartDone {
		return nil
	}
	p.State = models.PartDone
	p.DataLocation = c.dataLocation
	p.ThumbnailLocation = c.thumbLocation
	p.Size = c.size
	m.parts[k] = p
	return nil
}

func (m *MemoryStore) setState(messageID, partID int64, state models.PartState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := partKey{messageID, partID}
	p, ok := m.parts[k]
	if !ok {
		return ErrPartNotFound
	}
	if p.State != models.PartDone {
		p.State = state
		m.parts[k] = p
	}
	return nil
}

func (m *MemoryStore) filter(messageID int64, keep func(models.Part) bool) []models.Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Part
	for k, p := range m.parts {
		if k.message == messageID && keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out
}
