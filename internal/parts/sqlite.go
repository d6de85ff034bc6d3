package parts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"message-job-runner/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS parts (
    message_id          INTEGER NOT NULL,
    part_id             INTEGER NOT NULL,
    content_type        TEXT NOT NULL,
    content_location    TEXT NOT NULL,
    content_disposition TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    state               TEXT NOT NULL,
    data_location       TEXT NOT NULL DEFAULT '',
    thumbnail_location  TEXT NOT NULL DEFAULT '',
    size                INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (message_id, part_id)
)`

const partColumns = `message_id, part_id, content_type, content_location, content_disposition, name, state, data_location, thumbnail_location, size`

// SQLiteStore keeps part records in the device database.
type SQLiteStore struct {
	db *sql.DB
	committer
}

func NewSQLiteStore(db *sql.DB, blobs Blobs, thumbSize int, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, committer: newCommitter(blobs, thumbSize, logger)}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create parts table: %w", err)
	}
	return nil
}

// InsertPart records a newly received part.
func (s *SQLiteStore) InsertPart(ctx context.Context, p models.Part) error {
	if p.State == "" {
		p.State = models.PartPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO parts (`+partColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MessageID, p.PartID, p.ContentType, p.ContentLocation, p.ContentDisposition, p.Name,
		string(p.State), p.DataLocation, p.ThumbnailLocation, p.Size)
	if err != nil {
		return fmt.Errorf("insert part: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPart(ctx context.Context, messageID, partID int64) (models.Part, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+partColumns+` FROM parts WHERE message_id = ? AND part_id = ?`, messageID, partID)
	p, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Part{}, ErrPartNotFound
	}
	return p, err
}

// Parts lists every part of a message in part order.
func (s *SQLiteStore) Parts(ctx context.Context, messageID int64) ([]models.Part, error) {
	return s.query(ctx, `SELECT `+partColumns+` FROM parts WHERE message_id = ? ORDER BY part_id`, messageID)
}

// UnfetchedParts lists the parts of a message that are not done.
func (s *SQLiteStore) UnfetchedParts(ctx context.Context, messageID int64) ([]models.Part, error) {
	return s.query(ctx, `SELECT `+partColumns+` FROM parts WHERE message_id = ? AND state != ? ORDER BY part_id`,
		messageID, string(models.PartDone))
}

func (s *SQLiteStore) MarkPartDownloading(ctx context.Context, messageID, partID int64) error {
	return s.setState(ctx, messageID, partID, models.PartDownloading)
}

func (s *SQLiteStore) MarkPartFailed(ctx context.Context, messageID, partID int64) error {
	return s.setState(ctx, messageID, partID, models.PartFailed)
}

func (s *SQLiteStore) MarkPartPendingApproval(ctx context.Context, messageID, partID int64) error {
	return s.setState(ctx, messageID, partID, models.PartPendingApproval)
}

// CommitDownloadedPart stores the body and marks the part done. Committing a
// part that is already done is a no-op.
func (s *SQLiteStore) CommitDownloadedPart(ctx context.Context, messageID, partID int64, body io.Reader) error {
	part, err := s.GetPart(ctx, messageID, partID)
	if err != nil {
		return err
	}
	if part.State == models.PartDone {
		return nil
	}
	c, err := s.commit(ctx, part, body)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE parts SET state = ?, data_location = ?, thumbnail_location = ?, size = ?
		WHERE message_id = ? AND part_id = ? AND state != ?
	`, string(models.PartDone), c.dataLocation, c.thumbLocation, c.size, messageID, partID, string(models.PartDone))
	if err != nil {
		return fmt.Errorf("commit part: %w", err)
	}
	return nil
}

// setState never moves a part out of done.
func (s *SQLiteStore) setState(ctx context.Context, messageID, partID int64, state models.PartState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE parts SET state = ? WHERE message_id = ? AND part_id = ? AND state != ?`,
		string(state), messageID, partID, string(models.PartDone))
	if err != nil {
		return fmt.Errorf("update part state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetPart(ctx, messageID, partID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]models.Part, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	var out []models.Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPart(row rowScanner) (models.Part, error) {
	var p models.Part
	var state string
	if err := row.Scan(&p.MessageID, &p.PartID, &p.ContentType, &p.ContentLocation, &p.ContentDisposition, &p.Name,
		&state, &p.DataLocation, &p.ThumbnailLocation, &p.Size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Part{}, err
		}
		return models.Part{}, fmt.Errorf("scan part: %w", err)
	}
	p.State = models.PartState(state)
	return p, nil
}
