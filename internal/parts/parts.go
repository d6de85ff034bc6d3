// Package parts stores attachment part records and their downloaded bodies.
package parts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"

	"go.uber.org/zap"

	"message-job-runner/internal/models"
)

// ErrPartNotFound is returned for an unknown (message, part) pair.
var ErrPartNotFound = errors.New("part not found")

// committer turns a decrypted stream into stored blobs.
type committer struct {
	blobs     Blobs
	thumbSize int
	logger    *zap.Logger
}

func newCommitter(blobs Blobs, thumbSize int, logger *zap.Logger) committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return committer{blobs: blobs, thumbSize: thumbSize, logger: logger}
}

type committed struct {
	dataLocation  string
	thumbLocation string
	size          int64
}

func (c committer) commit(ctx context.Context, part models.Part, r io.Reader) (committed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return committed{}, fmt.Errorf("read part body: %w", err)
	}
	key := fmt.Sprintf("parts/%d/%d%s", part.MessageID, part.PartID, extensionFor(part.ContentType))
	loc, err := c.blobs.Upload(ctx, key, data, part.ContentType)
	if err != nil {
		return committed{}, fmt.Errorf("store part body: %w", err)
	}
	out := committed{dataLocation: loc, size: int64(len(data))}

	if part.Kind() == models.KindImage && c.thumbSize > 0 {
		thumb, err := thumbnail(data, c.thumbSize)
		if err != nil {
			// The body is already stored; a missing preview is not a failed part.
			c.logger.Warn("thumbnail failed", zap.Int64("message_id", part.MessageID), zap.Int64("part_id", part.PartID), zap.Error(err))
			return out, nil
		}
		thumbKey := fmt.Sprintf("parts/%d/%d.thumb.jpg", part.MessageID, part.PartID)
		tloc, err := c.blobs.Upload(ctx, thumbKey, thumb, "image/jpeg")
		if err != nil {
			return committed{}, fmt.Errorf("store thumbnail: %w", err)
		}
		out.thumbLocation = tloc
	}
	return out, nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	for _, e := range exts {
		if e == ".jpg" {
			return e
		}
	}
	return exts[0]
}
