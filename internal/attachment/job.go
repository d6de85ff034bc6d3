// Package attachment implements the job that downloads the attachment parts
// of a received message.
package attachment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"message-job-runner/internal/credential"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/progress"
	"message-job-runner/internal/telemetry"
	"message-job-runner/internal/transfer"
)

// Kind identifies attachment download jobs in the job store.
const Kind = "attachment_download"

var errInvalidPart = errors.New("invalid part")

// PartStore is the part storage the job reads and updates.
type PartStore interface {
	UnfetchedParts(ctx context.Context, messageID int64) ([]models.Part, error)
	MarkPartDownloading(ctx context.Context, messageID, partID int64) error
	CommitDownloadedPart(ctx context.Context, messageID, partID int64, body io.Reader) error
	MarkPartFailed(ctx context.Context, messageID, partID int64) error
	MarkPartPendingApproval(ctx context.Context, messageID, partID int64) error
}

// Deps are the collaborators shared by every download job.
type Deps struct {
	Parts    PartStore
	Transfer transfer.Client
	Progress *progress.Channel
	Prefs    Preferences
	Fs       afero.Fs
	TempDir  string
	Logger   *zap.Logger
}

type payload struct {
	MessageID int64 `json:"message_id"`
	Manual    bool  `json:"manual"`
}

// DownloadJob fetches every part of one message that is not yet done.
type DownloadJob struct {
	deps      *Deps
	messageID int64
	// manual jobs were requested by the user and skip the auto-download policy.
	manual bool
}

func New(deps *Deps, messageID int64, manual bool) *DownloadJob {
	return &DownloadJob{deps: deps, messageID: messageID, manual: manual}
}

// Factory rebuilds persisted download jobs.
func Factory(deps *Deps) jobs.Factory {
	return func(raw []byte) (jobs.Job, error) {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if p.MessageID == 0 {
			return nil, errors.New("message_id is required")
		}
		return New(deps, p.MessageID, p.Manual), nil
	}
}

// Register binds the download job factory to its kind.
func Register(r *jobs.Registry, deps *Deps) {
	r.Register(Kind, Factory(deps))
}

func (j *DownloadJob) Kind() string     { return Kind }
func (j *DownloadJob) MessageID() int64 { return j.messageID }

func (j *DownloadJob) Parameters() jobs.Parameters {
	return jobs.NewParameters(
		jobs.WithRequirement(jobs.CredentialRequirement{}),
		jobs.WithRequirement(jobs.NetworkRequirement{}),
		jobs.WithPersistence(),
	)
}

func (j *DownloadJob) Payload() ([]byte, error) {
	return json.Marshal(payload{MessageID: j.messageID, Manual: j.manual})
}

// Run downloads the message's unfetched parts in order. Per-part failures
// are recorded on the part; transient transfer errors abort the attempt.
func (j *DownloadJob) Run(ctx context.Context, env jobs.Environment) error {
	if !env.CredentialsUnlocked() {
		return credential.ErrLocked
	}
	log := j.logger()
	log.Info("downloading parts", zap.Int64("message_id", j.messageID), zap.Bool("manual", j.manual))

	parts, err := j.deps.Parts.UnfetchedParts(ctx, j.messageID)
	if err != nil {
		return fmt.Errorf("load parts: %w", err)
	}
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.retrievePart(ctx, env, part); err != nil {
			return err
		}
	}
	return nil
}

// ShouldRetry retries only errors that may go away on their own.
func (j *DownloadJob) ShouldRetry(err error) bool {
	return transfer.IsTransient(err) || errors.Is(err, credential.ErrLocked)
}

// OnCanceled marks every part that is not done as failed. Without an
// unlocked credential store the parts cannot be loaded and are left as is.
func (j *DownloadJob) OnCanceled(ctx context.Context, env jobs.Environment) {
	log := j.logger()
	if !env.CredentialsUnlocked() {
		log.Warn("credential store locked on cancel, parts not marked failed", zap.Int64("message_id", j.messageID))
		return
	}
	parts, err := j.deps.Parts.UnfetchedParts(ctx, j.messageID)
	if err != nil {
		log.Error("load parts on cancel", zap.Int64("message_id", j.messageID), zap.Error(err))
		return
	}
	for _, part := range parts {
		j.markFailed(ctx, part)
	}
}

func (j *DownloadJob) retrievePart(ctx context.Context, env jobs.Environment, part models.Part) error {
	log := j.logger().With(zap.Int64("message_id", part.MessageID), zap.Int64("part_id", part.PartID))
	log.Debug("retrieving part", zap.String("content_type", part.ContentType))

	if !j.manual && !j.shouldAutoDownload(env, part) {
		if err := j.deps.Parts.MarkPartPendingApproval(ctx, part.MessageID, part.PartID); err != nil {
			log.Warn("mark pending approval", zap.Error(err))
			return nil
		}
		telemetry.PartsPending.Inc()
		return nil
	}

	if err := j.deps.Parts.MarkPartDownloading(ctx, part.MessageID, part.PartID); err != nil {
		log.Warn("mark downloading", zap.Error(err))
	}

	tmp, err := afero.TempFile(j.fs(), j.deps.TempDir, tempPrefix)
	if err != nil {
		log.Warn("create temp file", zap.Error(err))
		j.markFailed(ctx, part)
		return nil
	}
	defer func() {
		tmp.Close()
		j.fs().Remove(tmp.Name())
	}()

	ptr, err := pointerFor(env.Credentials, part)
	if err != nil {
		if errors.Is(err, credential.ErrLocked) {
			return err
		}
		log.Warn("invalid part", zap.Error(err))
		j.markFailed(ctx, part)
		return nil
	}

	messageID := j.messageID
	observer := func(transferred, total int64) {
		if j.deps.Progress != nil {
			j.deps.Progress.Publish(progress.Event{MessageID: messageID, Transferred: transferred, Total: total})
		}
	}

	body, err := j.deps.Transfer.Fetch(ctx, ptr, tmp, observer)
	if err != nil {
		// An interrupted attempt leaves the part downloading for the next run.
		if interrupted(ctx, err) || transfer.IsTransient(err) {
			return fmt.Errorf("fetch part %d: %w", part.PartID, err)
		}
		log.Warn("fetch failed", zap.Error(err))
		j.markFailed(ctx, part)
		return nil
	}
	defer body.Close()

	if err := j.deps.Parts.CommitDownloadedPart(ctx, part.MessageID, part.PartID, body); err != nil {
		if interrupted(ctx, err) {
			return fmt.Errorf("commit part %d: %w", part.PartID, err)
		}
		log.Warn("commit failed", zap.Error(err))
		j.markFailed(ctx, part)
		return nil
	}
	telemetry.PartsDownloaded.Inc()
	log.Info("got part")
	return nil
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (j *DownloadJob) shouldAutoDownload(env jobs.Environment, part models.Part) bool {
	var wifi, roaming bool
	if env.Network != nil {
		wifi = env.Network.IsOnWifi()
		roaming = env.Network.IsRoaming()
	}
	return j.deps.Prefs.ShouldAutoDownload(part.Kind(), wifi, roaming)
}

func (j *DownloadJob) markFailed(ctx context.Context, part models.Part) {
	if err := j.deps.Parts.MarkPartFailed(ctx, part.MessageID, part.PartID); err != nil {
		j.logger().Warn("mark failed", zap.Int64("message_id", part.MessageID), zap.Int64("part_id", part.PartID), zap.Error(err))
		return
	}
	telemetry.PartsFailed.Inc()
}

func (j *DownloadJob) logger() *zap.Logger {
	if j.deps.Logger == nil {
		return zap.NewNop()
	}
	return j.deps.Logger
}

func (j *DownloadJob) fs() afero.Fs {
	if j.deps.Fs == nil {
		return afero.NewOsFs()
	}
	return j.deps.Fs
}

// pointerFor builds the transfer pointer from the part's locator and its key
// material, which is sealed under the master secret.
func pointerFor(creds credential.Store, part models.Part) (transfer.Pointer, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(part.ContentLocation), 10, 64)
	if err != nil {
		return transfer.Pointer{}, fmt.Errorf("%w: content location: %v", errInvalidPart, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part.ContentDisposition))
	if err != nil {
		return transfer.Pointer{}, fmt.Errorf("%w: content disposition: %v", errInvalidPart, err)
	}
	if creds == nil {
		return transfer.Pointer{}, credential.ErrLocked
	}
	key, err := creds.Decrypt(sealed)
	if err != nil {
		if errors.Is(err, credential.ErrLocked) {
			return transfer.Pointer{}, err
		}
		return transfer.Pointer{}, fmt.Errorf("%w: key: %v", errInvalidPart, err)
	}
	return transfer.Pointer{ID: id, Key: key, Relay: part.Name}, nil
}

var _ jobs.Job = (*DownloadJob)(nil)
