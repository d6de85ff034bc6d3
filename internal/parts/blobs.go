package parts

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"message-job-runner/internal/config"
)

// Blobs stores committed attachment bodies and thumbnails.
type Blobs interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewBlobs picks the configured backend.
func NewBlobs(ctx context.Context, cfg config.Config, fs afero.Fs) (Blobs, error) {
	switch strings.ToLower(cfg.BlobBackend) {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("blob backend s3 requested but S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Blobs{client: client, bucket: cfg.S3Bucket}, nil
	case "local", "":
		return NewLocalBlobs(fs, filepath.Join(cfg.DataDir, "attachments")), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}

// LocalBlobs writes bodies beneath baseDir on fs.
type LocalBlobs struct {
	fs      afero.Fs
	baseDir string
}

func NewLocalBlobs(fs afero.Fs, baseDir string) *LocalBlobs {
	return &LocalBlobs{fs: fs, baseDir: baseDir}
}

// Upload writes to a sibling temp file and renames it into place so readers
// never observe a partial body.
func (l *LocalBlobs) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		l.fs.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}
	return path, nil
}

// S3Blobs puts bodies into a bucket.
type S3Blobs struct {
	client *s3.Client
	bucket string
}

func (s *S3Blobs) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
