package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"

	"message-job-runner/internal/connectivity"
	"message-job-runner/internal/credential"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/parts"
	"message-job-runner/internal/progress"
	"message-job-runner/internal/transfer"
)

func TestPolicyMatrix(t *testing.T) {
	prefs := NewPreferences(nil, nil, []string{"image"})
	if !prefs.ShouldAutoDownload(models.KindImage, true, false) {
		t.Fatalf("image on wifi with data preference must auto-download")
	}

	prefs = NewPreferences([]string{"video"}, nil, nil)
	if prefs.ShouldAutoDownload(models.KindVideo, false, true) {
		t.Fatalf("video while roaming without roaming or data preference must wait for approval")
	}
	if !prefs.ShouldAutoDownload(models.KindVideo, true, false) {
		t.Fatalf("video on wifi with wifi preference must auto-download")
	}

	prefs = NewPreferences([]string{"audio"}, []string{"Audio "}, nil)
	if !prefs.ShouldAutoDownload(models.KindAudio, false, true) {
		t.Fatalf("roaming preference ignored")
	}
	if prefs.ShouldAutoDownload(models.KindAudio, false, false) {
		t.Fatalf("audio on mobile data without data preference must wait")
	}

	all := NewPreferences([]string{"image", "audio", "video", "other"}, []string{"other"}, []string{"other"})
	if all.ShouldAutoDownload(models.KindOther, true, true) {
		t.Fatalf("other content must never auto-download")
	}
}

type fetchResult struct {
	body []byte
	err  error
}

type fakeTransfer struct {
	mu      sync.Mutex
	results map[int64]fetchResult
	calls   []int64
}

func (f *fakeTransfer) Fetch(_ context.Context, ptr transfer.Pointer, dst afero.File, obs transfer.Observer) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ptr.ID)
	res, ok := f.results[ptr.ID]
	f.mu.Unlock()
	if !ok {
		return nil, &transfer.ResponseError{StatusCode: 404}
	}
	if res.err != nil {
		return nil, res.err
	}
	dst.Write(res.body)
	if obs != nil {
		obs(int64(len(res.body)), int64(len(res.body)))
	}
	return io.NopCloser(bytes.NewReader(res.body)), nil
}

func (f *fakeTransfer) Calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type harness struct {
	job      *DownloadJob
	deps     *Deps
	store    *parts.MemoryStore
	transfer *fakeTransfer
	secret   *credential.MasterSecret
	monitor  *connectivity.Monitor
	fs       afero.Fs
	env      jobs.Environment
}

func newHarness(t *testing.T, manual bool, prefs Preferences) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/tmp", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	secret := credential.NewMasterSecret()
	if err := secret.Unlock([]byte("correct horse battery staple")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	monitor := connectivity.NewMonitor(connectivity.State{Connected: true, Wifi: true})
	store := parts.NewMemoryStore(parts.NewLocalBlobs(fs, "/blobs"), 0, zaptest.NewLogger(t))
	ft := &fakeTransfer{results: map[int64]fetchResult{}}
	deps := &Deps{
		Parts:    store,
		Transfer: ft,
		Progress: progress.NewChannel(),
		Prefs:    prefs,
		Fs:       fs,
		TempDir:  "/tmp",
		Logger:   zaptest.NewLogger(t),
	}
	return &harness{
		job:      New(deps, 1, manual),
		deps:     deps,
		store:    store,
		transfer: ft,
		secret:   secret,
		monitor:  monitor,
		fs:       fs,
		env:      jobs.Environment{Network: monitor, Credentials: secret},
	}
}

func (h *harness) addPart(t *testing.T, partID int64, contentType, location string, state models.PartState) {
	t.Helper()
	sealed, err := h.secret.Encrypt(bytes.Repeat([]byte{byte(partID)}, transfer.KeySize))
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	err = h.store.InsertPart(context.Background(), models.Part{
		MessageID:          1,
		PartID:             partID,
		ContentType:        contentType,
		ContentLocation:    location,
		ContentDisposition: base64.StdEncoding.EncodeToString(sealed),
		State:              state,
	})
	if err != nil {
		t.Fatalf("insert part: %v", err)
	}
}

func (h *harness) state(t *testing.T, partID int64) models.PartState {
	t.Helper()
	p, err := h.store.GetPart(context.Background(), 1, partID)
	if err != nil {
		t.Fatalf("get part: %v", err)
	}
	return p.State
}

func allKinds() Preferences {
	return NewPreferences([]string{"image", "audio", "video"}, nil, nil)
}

func TestRunSkipsDoneParts(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartDone)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.transfer.results[200] = fetchResult{body: []byte("jpeg")}

	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := h.transfer.Calls(); len(calls) != 1 || calls[0] != 200 {
		t.Fatalf("expected only part 2 fetched, got %v", calls)
	}
	if h.state(t, 2) != models.PartDone {
		t.Fatalf("part 2 not done")
	}

	// A second run finds nothing to do.
	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(h.transfer.Calls()) != 1 {
		t.Fatalf("done parts fetched again")
	}
}

func TestRunPermanentFailureContinuesWithSiblings(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.addPart(t, 2, "image/jpeg", "not-a-number", models.PartPending)
	h.addPart(t, 3, "audio/ogg", "300", models.PartPending)
	h.transfer.results[100] = fetchResult{err: &transfer.ResponseError{StatusCode: 404}}
	h.transfer.results[300] = fetchResult{body: []byte("opus")}

	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.state(t, 1) != models.PartFailed || h.state(t, 2) != models.PartFailed || h.state(t, 3) != models.PartDone {
		t.Fatalf("unexpected states %s %s %s", h.state(t, 1), h.state(t, 2), h.state(t, 3))
	}
	if calls := h.transfer.Calls(); len(calls) != 2 {
		t.Fatalf("invalid part must not reach the transfer client, calls=%v", calls)
	}
}

func TestRunTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.transfer.results[100] = fetchResult{err: &transfer.NetworkError{Op: "get attachment", Err: errors.New("network unreachable")}}
	h.transfer.results[200] = fetchResult{body: []byte("jpeg")}

	err := h.job.Run(context.Background(), h.env)
	if err == nil {
		t.Fatalf("expected transient error")
	}
	if !h.job.ShouldRetry(err) {
		t.Fatalf("network error must be retryable: %v", err)
	}
	if h.state(t, 1) == models.PartFailed || h.state(t, 2) == models.PartFailed {
		t.Fatalf("transient failure must not fail parts")
	}
	if h.job.ShouldRetry(&transfer.ResponseError{StatusCode: 400}) {
		t.Fatalf("4xx must not be retried")
	}
}

func TestRunRespectsPolicyUnlessManual(t *testing.T) {
	h := newHarness(t, false, NewPreferences(nil, nil, nil))
	h.addPart(t, 1, "video/mp4", "100", models.PartPending)
	h.transfer.results[100] = fetchResult{body: []byte("mp4")}

	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.state(t, 1) != models.PartPendingApproval || len(h.transfer.Calls()) != 0 {
		t.Fatalf("expected pending approval without fetch")
	}

	manual := New(h.deps, 1, true)
	if err := manual.Run(context.Background(), h.env); err != nil {
		t.Fatalf("manual run: %v", err)
	}
	if h.state(t, 1) != models.PartDone {
		t.Fatalf("manual download did not complete")
	}
}

func TestRunRemovesTempFilesAndPublishesProgress(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.transfer.results[100] = fetchResult{body: []byte("first")}
	h.transfer.results[200] = fetchResult{err: &transfer.ResponseError{StatusCode: 410}}

	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, err := afero.ReadDir(h.fs, "/tmp")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d", len(entries))
	}

	ev, ok := h.deps.Progress.Latest()
	if !ok || ev.MessageID != 1 || ev.Transferred != 5 || ev.Total != 5 {
		t.Fatalf("unexpected progress %+v ok=%v", ev, ok)
	}
}

func TestRunWithLockedCredentialsRetries(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.secret.Lock()

	err := h.job.Run(context.Background(), h.env)
	if !errors.Is(err, credential.ErrLocked) || !h.job.ShouldRetry(err) {
		t.Fatalf("expected retryable locked error, got %v", err)
	}
}

func TestOnCanceledMarksUnfetchedFailed(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartDone)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.addPart(t, 3, "video/mp4", "300", models.PartPendingApproval)

	h.job.OnCanceled(context.Background(), h.env)

	if h.state(t, 1) != models.PartDone || h.state(t, 2) != models.PartFailed || h.state(t, 3) != models.PartFailed {
		t.Fatalf("unexpected states %s %s %s", h.state(t, 1), h.state(t, 2), h.state(t, 3))
	}
}

func TestOnCanceledWithLockedCredentialsIsNoop(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.secret.Lock()

	h.job.OnCanceled(context.Background(), h.env)
	h.job.OnCanceled(context.Background(), jobs.Environment{})

	if h.state(t, 1) != models.PartPending {
		t.Fatalf("parts changed while locked")
	}
}

func TestFactoryRoundTrip(t *testing.T) {
	deps := &Deps{}
	raw, err := New(deps, 42, true).Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	r := jobs.NewRegistry()
	Register(r, deps)
	j, err := r.Build(Kind, raw)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dj, ok := j.(*DownloadJob)
	if !ok || dj.MessageID() != 42 || !dj.manual {
		t.Fatalf("unexpected job %+v", j)
	}
	params := dj.Parameters()
	if !params.Persistent || len(params.Requirements) != 2 {
		t.Fatalf("unexpected parameters %+v", params)
	}
	if _, err := r.Build(Kind, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing message id")
	}
}

func TestRunInterruptedTransferLeavesPartDownloading(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.transfer.results[100] = fetchResult{err: &transfer.NetworkError{Op: "get attachment", Err: context.Canceled}}
	h.transfer.results[200] = fetchResult{body: []byte("jpeg")}

	err := h.job.Run(context.Background(), h.env)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted attempt to return the cancellation, got %v", err)
	}
	if h.state(t, 1) != models.PartDownloading {
		t.Fatalf("interrupted part must stay downloading, got %s", h.state(t, 1))
	}
	if h.state(t, 2) != models.PartPending {
		t.Fatalf("siblings must wait for the next attempt, got %s", h.state(t, 2))
	}
	if calls := h.transfer.Calls(); len(calls) != 1 {
		t.Fatalf("expected the attempt to stop after the interruption, calls=%v", calls)
	}
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.addPart(t, 1, "image/jpeg", "100", models.PartPending)
	h.transfer.results[100] = fetchResult{body: []byte("jpeg")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.job.Run(ctx, h.env); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.state(t, 1) != models.PartPending || len(h.transfer.Calls()) != 0 {
		t.Fatalf("canceled run must not touch parts")
	}
}

var errDiskFull = errors.New("disk full")

type failingBlobs struct{}

func (failingBlobs) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errDiskFull
}

func TestStorageFailureThenCancel(t *testing.T) {
	h := newHarness(t, false, allKinds())
	h.store = parts.NewMemoryStore(failingBlobs{}, 0, zaptest.NewLogger(t))
	h.deps.Parts = h.store
	h.addPart(t, 1, "image/jpeg", "100", models.PartDone)
	h.addPart(t, 2, "image/jpeg", "200", models.PartPending)
	h.addPart(t, 3, "audio/ogg", "300", models.PartPending)
	h.transfer.results[200] = fetchResult{body: []byte("jpeg")}
	h.transfer.results[300] = fetchResult{body: []byte("opus")}

	if err := h.job.Run(context.Background(), h.env); err != nil {
		t.Fatalf("storage errors are per part, run returned %v", err)
	}
	if calls := h.transfer.Calls(); len(calls) != 2 || calls[0] != 200 || calls[1] != 300 {
		t.Fatalf("expected parts 2 and 3 fetched, got %v", calls)
	}

	commitErr := h.store.CommitDownloadedPart(context.Background(), 1, 2, bytes.NewReader([]byte("jpeg")))
	if !errors.Is(commitErr, errDiskFull) {
		t.Fatalf("expected storage error from commit, got %v", commitErr)
	}
	if h.job.ShouldRetry(commitErr) {
		t.Fatalf("storage errors must not be retried")
	}

	h.job.OnCanceled(context.Background(), h.env)
	if h.state(t, 1) != models.PartDone || h.state(t, 2) != models.PartFailed || h.state(t, 3) != models.PartFailed {
		t.Fatalf("unexpected states %s %s %s", h.state(t, 1), h.state(t, 2), h.state(t, 3))
	}
}

func TestSweepTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/data/tmp", 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"push-attachment123", "push-attachment456", "keep.db"} {
		if err := afero.WriteFile(fs, "/data/tmp/"+name, []byte("partial"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	removed, err := SweepTempFiles(fs, "/data/tmp")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 files removed, got %d", removed)
	}
	entries, err := afero.ReadDir(fs, "/data/tmp")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "keep.db" {
		t.Fatalf("unexpected leftovers %v", entries)
	}

	if removed, err := SweepTempFiles(fs, "/data/tmp"); err != nil || removed != 0 {
		t.Fatalf("second sweep removed=%d err=%v", removed, err)
	}
}
