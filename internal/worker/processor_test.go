package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"message-job-runner/internal/connectivity"
	"message-job-runner/internal/credential"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/scheduler"
	"message-job-runner/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

var errTransient = errors.New("transient")

type testJob struct {
	params jobs.Parameters
	// results are returned by successive runs; the last one repeats.
	results []error

	mu       sync.Mutex
	runs     int
	canceled int
	ran        chan struct{}
	panicRun   bool
	panicRetry bool
}

func newTestJob(params jobs.Parameters, results ...error) *testJob {
	return &testJob{params: params, results: results, ran: make(chan struct{}, 16)}
}

func (j *testJob) Kind() string                { return "test" }
func (j *testJob) Parameters() jobs.Parameters { return j.params }
func (j *testJob) Payload() ([]byte, error)    { return json.Marshal(map[string]int{"v": 1}) }

func (j *testJob) Run(context.Context, jobs.Environment) error {
	j.mu.Lock()
	n := j.runs
	j.runs++
	j.mu.Unlock()
	j.ran <- struct{}{}
	if j.panicRun {
		panic("boom")
	}
	if len(j.results) == 0 {
		return nil
	}
	if n >= len(j.results) {
		n = len(j.results) - 1
	}
	return j.results[n]
}

func (j *testJob) ShouldRetry(err error) bool {
	if j.panicRetry {
		panic("classifier")
	}
	return errors.Is(err, errTransient)
}

func (j *testJob) OnCanceled(context.Context, jobs.Environment) {
	j.mu.Lock()
	j.canceled++
	j.mu.Unlock()
}

func (j *testJob) counts() (runs, canceled int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs, j.canceled
}

type recordingDLQ struct {
	mu      sync.Mutex
	letters []models.DeadLetter
}

func (d *recordingDLQ) DLQPush(_ context.Context, dl models.DeadLetter) error {
	d.mu.Lock()
	d.letters = append(d.letters, dl)
	d.mu.Unlock()
	return nil
}

func (d *recordingDLQ) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.letters)
}

type fixture struct {
	proc    *Processor
	store   *store.Memory
	monitor *connectivity.Monitor
	secret  *credential.MasterSecret
	dlq     *recordingDLQ
	reg     *jobs.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	monitor := connectivity.NewMonitor(connectivity.State{Connected: true})
	secret := credential.NewMasterSecret()
	if err := secret.Unlock([]byte("secret")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	st := store.NewMemory()
	reg := jobs.NewRegistry()
	dlq := &recordingDLQ{}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Millisecond
		opts.BackoffMax = 4 * time.Millisecond
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	proc := NewProcessor(opts, st, reg, jobs.Environment{Network: monitor, Credentials: secret}, dlq, zaptest.NewLogger(t))
	return &fixture{proc: proc, store: st, monitor: monitor, secret: secret, dlq: dlq, reg: reg}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func persistentNetworkJob(results ...error) *testJob {
	return newTestJob(jobs.NewParameters(
		jobs.WithRequirement(jobs.NetworkRequirement{}),
		jobs.WithPersistence(),
	), results...)
}

func TestGatedJobRunsOnlyAfterWake(t *testing.T) {
	f := newFixture(t, Options{GateRecheck: time.Hour})
	f.monitor.SetConnected(false)

	type call struct {
		delay       time.Duration
		constraints []scheduler.Constraint
	}
	var mu sync.Mutex
	var calls []call
	f.proc.SetScheduler(scheduler.Func(func(_ context.Context, delay time.Duration, cs []scheduler.Constraint) error {
		mu.Lock()
		calls = append(calls, call{delay, cs})
		mu.Unlock()
		return nil
	}))
	f.run(t)

	job := persistentNetworkJob()
	id, err := f.proc.Add(context.Background(), job)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err := f.store.Get(context.Background(), id)
	if err != nil || rec.Status != models.StatusGated || rec.Kind != "test" {
		t.Fatalf("expected gated record, got %+v err=%v", rec, err)
	}

	mu.Lock()
	if len(calls) != 1 || calls[0].delay != time.Hour || len(calls[0].constraints) != 1 || calls[0].constraints[0] != scheduler.ConstraintNetwork {
		t.Fatalf("unexpected schedule calls %+v", calls)
	}
	mu.Unlock()

	// A wake-up while the requirement still fails re-gates without running.
	f.proc.Wake()
	time.Sleep(50 * time.Millisecond)
	if runs, _ := job.counts(); runs != 0 {
		t.Fatalf("job ran with unmet requirement")
	}
	mu.Lock()
	if len(calls) < 2 {
		t.Fatalf("expected re-registration after wake, got %d calls", len(calls))
	}
	mu.Unlock()

	f.monitor.SetConnected(true)
	f.proc.Wake()
	waitFor(t, "job run", func() bool { runs, _ := job.counts(); return runs == 1 })
	waitFor(t, "record removed", func() bool { return f.store.Len() == 0 })
	if f.proc.Len() != 0 {
		t.Fatalf("succeeded job still held")
	}
}

func TestRetryWithBackoffThenSucceed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.proc.SetScheduler(scheduler.NewComposite(zaptest.NewLogger(t), scheduler.NewAlarm(ctx, f.proc.Wake)))
	f.run(t)

	job := persistentNetworkJob(errTransient, errTransient, nil)
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "three runs", func() bool { runs, _ := job.counts(); return runs == 3 })
	waitFor(t, "record removed", func() bool { return f.store.Len() == 0 })

	if _, canceled := job.counts(); canceled != 0 {
		t.Fatalf("successful job canceled")
	}
	var retries, succeeded int
	for _, a := range f.store.Audit() {
		switch a.Event {
		case "retry_scheduled":
			retries++
		case "succeeded":
			succeeded++
		}
	}
	if retries != 2 || succeeded != 1 {
		t.Fatalf("unexpected audit trail %+v", f.store.Audit())
	}
}

func TestNonRetryableErrorCancels(t *testing.T) {
	f := newFixture(t, Options{})
	f.run(t)

	job := persistentNetworkJob(errors.New("bad request"))
	id, err := f.proc.Add(context.Background(), job)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "cancel path", func() bool { _, c := job.counts(); return c == 1 })
	waitFor(t, "record removed", func() bool { return f.store.Len() == 0 })

	if runs, _ := job.counts(); runs != 1 {
		t.Fatalf("expected a single attempt, got %d", runs)
	}
	waitFor(t, "dead letter", func() bool { return f.dlq.len() == 1 })
	if f.dlq.letters[0].JobID != id || f.dlq.letters[0].Error != "bad request" {
		t.Fatalf("unexpected dead letters %+v", f.dlq.letters)
	}
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.proc.SetScheduler(scheduler.NewAlarm(ctx, f.proc.Wake))
	f.run(t)

	job := persistentNetworkJob(errTransient)
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "cancel path", func() bool { _, c := job.counts(); return c == 1 })
	if runs, _ := job.counts(); runs != 3 {
		t.Fatalf("expected 3 attempts, got %d", runs)
	}
	waitFor(t, "record removed", func() bool { return f.store.Len() == 0 })
}

func TestPanickingJobIsContained(t *testing.T) {
	f := newFixture(t, Options{})
	f.run(t)

	job := persistentNetworkJob()
	job.panicRun = true
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "cancel path", func() bool { _, c := job.counts(); return c == 1 })

	healthy := persistentNetworkJob()
	if _, err := f.proc.Add(context.Background(), healthy); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "healthy job run", func() bool { runs, _ := healthy.counts(); return runs == 1 })
}

func TestCancelGatedJob(t *testing.T) {
	f := newFixture(t, Options{GateRecheck: time.Hour})
	f.monitor.SetConnected(false)
	f.run(t)

	job := persistentNetworkJob()
	id, err := f.proc.Add(context.Background(), job)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.proc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, c := job.counts(); c != 1 {
		t.Fatalf("OnCanceled not called")
	}
	if _, err := f.proc.Status(id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("canceled job still held: %v", err)
	}
	if f.store.Len() != 0 || f.dlq.len() != 0 {
		t.Fatalf("expected record removed without dead letter")
	}
	if err := f.proc.Cancel(context.Background(), id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second cancel: %v", err)
	}

	f.monitor.SetConnected(true)
	f.proc.Wake()
	time.Sleep(30 * time.Millisecond)
	if runs, _ := job.counts(); runs != 0 {
		t.Fatalf("canceled job ran")
	}
}

func TestLifespanExpiryCancels(t *testing.T) {
	f := newFixture(t, Options{GateRecheck: time.Hour})
	f.monitor.SetConnected(false)
	f.run(t)

	job := newTestJob(jobs.NewParameters(
		jobs.WithRequirement(jobs.NetworkRequirement{}),
		jobs.WithPersistence(),
		jobs.WithLifespan(10*time.Millisecond),
	))
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	f.proc.Wake()
	waitFor(t, "lifespan cancel", func() bool { _, c := job.counts(); return c == 1 })
	if runs, _ := job.counts(); runs != 0 {
		t.Fatalf("expired job ran")
	}
	waitFor(t, "dead letter", func() bool { return f.dlq.len() == 1 })
}

func TestStartResumesPersistedJobs(t *testing.T) {
	f := newFixture(t, Options{})
	resumed := newTestJob(jobs.NewParameters(jobs.WithPersistence()))
	f.reg.Register("test", func([]byte) (jobs.Job, error) { return resumed, nil })

	ctx := context.Background()
	now := time.Now().UTC()
	for _, rec := range []models.JobRecord{
		{ID: "a", Kind: "test", Payload: []byte(`{}`), Status: models.StatusRunning, Attempts: 2, MaxAttempts: 5, NextRunAt: now, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Kind: "gone", Payload: []byte(`{}`), Status: models.StatusQueued, MaxAttempts: 5, NextRunAt: now, CreatedAt: now, UpdatedAt: now},
	} {
		if err := f.store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := f.proc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.store.Get(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unbuildable record kept: %v", err)
	}
	info, err := f.proc.Status("a")
	if err != nil || info.Attempts != 2 {
		t.Fatalf("resumed job lost attempts: %+v err=%v", info, err)
	}

	f.run(t)
	waitFor(t, "resumed run", func() bool { runs, _ := resumed.counts(); return runs == 1 })
	waitFor(t, "record removed", func() bool { return f.store.Len() == 0 })
}

func TestSchedulerCalledWithoutProcessorLock(t *testing.T) {
	f := newFixture(t, Options{GateRecheck: time.Hour})
	f.monitor.SetConnected(false)
	called := make(chan struct{}, 4)
	f.proc.SetScheduler(scheduler.Func(func(context.Context, time.Duration, []scheduler.Constraint) error {
		// Re-entering the processor deadlocks if the lock were held.
		f.proc.Len()
		f.proc.Wake()
		called <- struct{}{}
		return nil
	}))

	done := make(chan struct{})
	go func() {
		f.proc.Add(context.Background(), persistentNetworkJob())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Add blocked inside Schedule")
	}
	select {
	case <-called:
	default:
		t.Fatalf("scheduler not called")
	}
}

func TestNonPersistentJobSkipsStore(t *testing.T) {
	f := newFixture(t, Options{})
	f.run(t)

	job := newTestJob(jobs.Parameters{})
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "run", func() bool { runs, _ := job.counts(); return runs == 1 })
	if f.store.Len() != 0 {
		t.Fatalf("non-persistent job written to store")
	}
}

func TestPanickingRetryClassifierFailsJob(t *testing.T) {
	f := newFixture(t, Options{Workers: 1})
	f.run(t)

	job := persistentNetworkJob(errTransient)
	job.panicRetry = true
	if _, err := f.proc.Add(context.Background(), job); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "cancel path", func() bool { _, c := job.counts(); return c == 1 })
	if runs, _ := job.counts(); runs != 1 {
		t.Fatalf("expected no retry after classifier panic, got %d runs", runs)
	}
	waitFor(t, "dead letter", func() bool { return f.dlq.len() == 1 })

	// The single worker survived.
	healthy := persistentNetworkJob()
	if _, err := f.proc.Add(context.Background(), healthy); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "healthy job run", func() bool { runs, _ := healthy.counts(); return runs == 1 })
}

// blockingJob runs until its context is canceled.
type blockingJob struct {
	*testJob
	started chan struct{}
}

func (j *blockingJob) Run(ctx context.Context, _ jobs.Environment) error {
	close(j.started)
	<-ctx.Done()
	return fmt.Errorf("fetch part 1: %w", ctx.Err())
}

func TestShutdownInterruptKeepsRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()

	job := &blockingJob{testJob: persistentNetworkJob(), started: make(chan struct{})}
	id, err := f.proc.Add(context.Background(), job)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case <-job.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never started")
	}
	cancel()
	<-done

	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("interrupted job record must survive shutdown: %v", err)
	}
	if !rec.Status.Resumable() {
		t.Fatalf("record not resumable: %s", rec.Status)
	}
	if _, canceled := job.counts(); canceled != 0 {
		t.Fatalf("interrupted job must not run its cancel path")
	}
	for _, a := range f.store.Audit() {
		if a.Event == "succeeded" || a.Event == string(models.StatusFailed) {
			t.Fatalf("interrupted job recorded as %s", a.Event)
		}
	}
	if f.dlq.len() != 0 {
		t.Fatalf("interrupted job dead-lettered")
	}
}
