package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"message-job-runner/internal/config"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/scheduler"
	"message-job-runner/internal/store"
	"message-job-runner/internal/telemetry"
)

// ErrUnknownJob is returned for ids the processor does not hold.
var ErrUnknownJob = errors.New("unknown job")

// DeadLetterSink receives jobs that ended without success.
type DeadLetterSink interface {
	DLQPush(ctx context.Context, dl models.DeadLetter) error
}

// Options tune retry and gating behaviour.
type Options struct {
	Workers        int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// GateRecheck bounds how long a gated job waits before it is re-evaluated
	// even if no trigger source fires.
	GateRecheck time.Duration
	// Lifespan applies to jobs that do not set their own.
	Lifespan time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		GateRecheck:    cfg.GateRecheck,
		Lifespan:       cfg.JobLifespan,
	}
}

type entryState int

const (
	stateQueued entryState = iota
	stateGated
	stateRunning
)

func (s entryState) status() models.JobStatus {
	switch s {
	case stateGated:
		return models.StatusGated
	case stateRunning:
		return models.StatusRunning
	}
	return models.StatusQueued
}

type entry struct {
	id          string
	job         jobs.Job
	params      jobs.Parameters
	state       entryState
	attempts    int
	maxAttempts int
	notBefore   time.Time
	createdAt   time.Time
	// cancelRequested defers the cancel path of a running job until its attempt returns.
	cancelRequested bool
	removed         bool
}

// JobInfo is a snapshot of a job held by the processor.
type JobInfo struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Status    models.JobStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	NotBefore time.Time        `json:"not_before,omitempty"`
}

// Processor is the job queue and runner: it persists, gates, runs, retries
// and cancels jobs.
type Processor struct {
	opts     Options
	store    store.JobStore
	registry *jobs.Registry
	env      jobs.Environment
	dlq      DeadLetterSink
	logger   *zap.Logger

	schedMu   sync.RWMutex
	scheduler scheduler.Scheduler

	mu      sync.Mutex
	entries map[string]*entry
	ready   []*entry

	readyCh chan struct{}
	wakeCh  chan struct{}
}

// NewProcessor builds a processor. dlq may be nil.
func NewProcessor(opts Options, st store.JobStore, registry *jobs.Registry, env jobs.Environment, dlq DeadLetterSink, logger *zap.Logger) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.GateRecheck <= 0 {
		opts.GateRecheck = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		opts:     opts,
		store:    st,
		registry: registry,
		env:      env,
		dlq:      dlq,
		logger:   logger,
		entries:  make(map[string]*entry),
		readyCh:  make(chan struct{}, 1),
		wakeCh:   make(chan struct{}, 1),
	}
}

// SetScheduler installs the trigger sources. Sources take Wake as their
// callback, so they are built after the processor.
func (p *Processor) SetScheduler(s scheduler.Scheduler) {
	p.schedMu.Lock()
	p.scheduler = s
	p.schedMu.Unlock()
}

// Wake asks for every gated job to be re-evaluated. It never blocks.
func (p *Processor) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Add accepts a new job. Persistent jobs are written to the store before
// anything else happens to them.
func (p *Processor) Add(ctx context.Context, job jobs.Job) (string, error) {
	now := time.Now().UTC()
	params := job.Parameters()
	e := &entry{
		id:          uuid.NewString(),
		job:         job,
		params:      params,
		state:       stateQueued,
		maxAttempts: p.maxAttempts(params),
		createdAt:   now,
	}

	if params.Persistent {
		payload, err := job.Payload()
		if err != nil {
			return "", fmt.Errorf("serialize job: %w", err)
		}
		rec := models.JobRecord{
			ID:          e.id,
			Kind:        job.Kind(),
			Payload:     payload,
			Status:      models.StatusQueued,
			MaxAttempts: e.maxAttempts,
			NextRunAt:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.store.Insert(ctx, rec); err != nil {
			return "", fmt.Errorf("persist job: %w", err)
		}
	}

	p.mu.Lock()
	p.entries[e.id] = e
	p.mu.Unlock()

	telemetry.JobsAdded.Inc()
	p.logger.Info("job added", zap.String("job_id", e.id), zap.String("kind", job.Kind()))
	p.evaluate(ctx, e)
	return e.id, nil
}

// Start re-admits every resumable job found in the store. Records whose kind
// cannot be rebuilt are removed.
func (p *Processor) Start(ctx context.Context) error {
	recs, err := p.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("list resumable jobs: %w", err)
	}
	var admitted []*entry
	for _, rec := range recs {
		p.mu.Lock()
		_, exists := p.entries[rec.ID]
		p.mu.Unlock()
		if exists {
			continue
		}

		job, err := p.registry.Build(rec.Kind, rec.Payload)
		if err != nil {
			p.logger.Error("dropping unrecoverable job", zap.String("job_id", rec.ID), zap.String("kind", rec.Kind), zap.Error(err))
			if err := p.store.Delete(ctx, rec.ID); err != nil {
				p.logger.Warn("delete job", zap.String("job_id", rec.ID), zap.Error(err))
			}
			p.audit(ctx, rec.ID, "dropped", err.Error())
			continue
		}
		params := job.Parameters()
		maxAttempts := rec.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = p.maxAttempts(params)
		}
		e := &entry{
			id:          rec.ID,
			job:         job,
			params:      params,
			state:       stateQueued,
			attempts:    rec.Attempts,
			maxAttempts: maxAttempts,
			notBefore:   rec.NextRunAt,
			createdAt:   rec.CreatedAt,
		}
		p.mu.Lock()
		p.entries[e.id] = e
		p.mu.Unlock()
		admitted = append(admitted, e)
	}

	p.logger.Info("resumed persisted jobs", zap.Int("count", len(admitted)))
	for _, e := range admitted {
		p.evaluate(ctx, e)
	}
	return nil
}

// Run executes ready jobs on the worker pool and re-evaluates gated jobs on
// every Wake until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.dispatch(ctx)
	}()
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Cancel ends a job. A running job finishes its current attempt first and
// is then canceled instead of retried.
func (p *Processor) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownJob
	}
	if e.state == stateRunning {
		e.cancelRequested = true
		p.mu.Unlock()
		return nil
	}
	p.detachLocked(e)
	p.mu.Unlock()

	p.finish(ctx, e, models.StatusCanceled, "canceled by request", false)
	return nil
}

// Status reports a job held in memory.
func (p *Processor) Status(id string) (JobInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return JobInfo{}, ErrUnknownJob
	}
	return JobInfo{ID: e.id, Kind: e.job.Kind(), Status: e.state.status(), Attempts: e.attempts, NotBefore: e.notBefore}, nil
}

// Len returns the number of jobs held.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Processor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeCh:
			p.reevaluateGated(ctx)
		}
	}
}

func (p *Processor) reevaluateGated(ctx context.Context) {
	p.mu.Lock()
	var gated []*entry
	for _, e := range p.entries {
		if e.state == stateGated {
			gated = append(gated, e)
		}
	}
	p.mu.Unlock()

	for _, e := range gated {
		p.evaluate(ctx, e)
	}
}

func (p *Processor) work(ctx context.Context) {
	for {
		if e := p.next(); e != nil {
			p.execute(ctx, e)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.readyCh:
		}
	}
}

func (p *Processor) next() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.ready) > 0 {
		e := p.ready[0]
		p.ready = p.ready[1:]
		if e.removed {
			continue
		}
		if len(p.ready) > 0 {
			p.signalReady()
		}
		return e
	}
	return nil
}

func (p *Processor) signalReady() {
	select {
	case p.readyCh <- struct{}{}:
	default:
	}
}

// evaluate either queues the job for a worker or gates it and registers a
// wake-up with the scheduler. The scheduler is always called without p.mu held.
func (p *Processor) evaluate(ctx context.Context, e *entry) {
	p.mu.Lock()
	if e.removed || e.state == stateRunning {
		p.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	if lifespan := p.lifespan(e.params); lifespan > 0 && now.Sub(e.createdAt) > lifespan {
		p.detachLocked(e)
		p.mu.Unlock()
		p.finish(ctx, e, models.StatusCanceled, "lifespan expired before requirements were met", true)
		return
	}

	unmet := e.params.Unmet(p.env)
	wait := e.notBefore.Sub(now)
	if len(unmet) == 0 && wait <= 0 {
		wasGated := e.state == stateGated
		e.state = stateQueued
		p.ready = append(p.ready, e)
		p.signalReady()
		p.mu.Unlock()
		if wasGated {
			telemetry.GatedGauge.Dec()
		}
		return
	}

	wasGated := e.state == stateGated
	e.state = stateGated
	attempts := e.attempts
	p.mu.Unlock()

	if !wasGated {
		telemetry.GatedGauge.Inc()
		telemetry.JobsGated.Inc()
	}
	delay := p.opts.GateRecheck
	if wait > 0 && (len(unmet) == 0 || wait < delay) {
		delay = wait
	}
	constraints := jobs.Constraints(unmet)
	p.persistStatus(ctx, e, models.StatusGated, attempts, now.Add(delay), nil)
	p.logger.Debug("job gated",
		zap.String("job_id", e.id),
		zap.Int("unmet", len(unmet)),
		zap.Duration("delay", delay),
	)
	p.schedule(ctx, delay, constraints)
}

func (p *Processor) schedule(ctx context.Context, delay time.Duration, constraints []scheduler.Constraint) {
	p.schedMu.RLock()
	s := p.scheduler
	p.schedMu.RUnlock()
	if s == nil {
		return
	}
	if err := s.Schedule(ctx, delay, constraints); err != nil {
		telemetry.SchedulerErrors.Inc()
		p.logger.Warn("schedule wake-up", zap.Duration("delay", delay), zap.Error(err))
	}
}

func (p *Processor) execute(ctx context.Context, e *entry) {
	p.mu.Lock()
	if e.removed {
		p.mu.Unlock()
		return
	}
	// Requirements may have changed while the job sat in the ready queue.
	if len(e.params.Unmet(p.env)) > 0 {
		p.mu.Unlock()
		p.evaluate(ctx, e)
		return
	}
	e.state = stateRunning
	attempts := e.attempts
	p.mu.Unlock()

	log := p.logger.With(zap.String("job_id", e.id), zap.String("kind", e.job.Kind()), zap.Int("attempt", attempts+1))
	p.persistStatus(ctx, e, models.StatusRunning, attempts, time.Now().UTC(), nil)

	telemetry.RunningGauge.Inc()
	err := p.runIsolated(ctx, e)
	telemetry.RunningGauge.Dec()
	attempts++
	retryable := err != nil && p.shouldRetryIsolated(e, err)

	var nextRun time.Time
	var backoff time.Duration
	p.mu.Lock()
	e.attempts = attempts
	result := outcomeFailed
	switch {
	case err == nil:
		result = outcomeSucceeded
	case e.cancelRequested:
		result = outcomeCanceled
	case ctx.Err() != nil:
		result = outcomeInterrupted
		e.state = stateQueued
	case retryable && attempts < e.maxAttempts:
		result = outcomeRetry
		backoff = backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempts)
		nextRun = time.Now().UTC().Add(backoff)
		e.notBefore = nextRun
		e.state = stateQueued
	}
	if result == outcomeSucceeded || result == outcomeCanceled || result == outcomeFailed {
		p.detachLocked(e)
	}
	p.mu.Unlock()

	switch result {
	case outcomeSucceeded:
		p.succeed(ctx, e)
		log.Info("job succeeded")
	case outcomeCanceled:
		p.finish(ctx, e, models.StatusCanceled, "canceled by request", false)
	case outcomeInterrupted:
		// The record stays resumable for the next Start.
		log.Info("attempt interrupted by shutdown", zap.Error(err))
	case outcomeRetry:
		msg := err.Error()
		p.persistStatus(ctx, e, models.StatusGated, attempts, nextRun, &msg)
		p.audit(ctx, e.id, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d error=%s", nextRun.Format(time.RFC3339), attempts, msg))
		telemetry.JobsRetried.Inc()
		log.Warn("attempt failed, retrying", zap.Duration("delay", backoff), zap.Error(err))
		p.evaluate(ctx, e)
	default:
		log.Warn("job failed", zap.Error(err))
		p.finish(ctx, e, models.StatusFailed, err.Error(), true)
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSucceeded
	outcomeCanceled
	outcomeInterrupted
	outcomeRetry
)

func (p *Processor) runIsolated(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return e.job.Run(ctx, p.env)
}

// shouldRetryIsolated treats a panicking classifier as a permanent failure.
func (p *Processor) shouldRetryIsolated(e *entry, err error) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("retry classifier panicked", zap.String("job_id", e.id), zap.Any("panic", r))
			retry = false
		}
	}()
	return e.job.ShouldRetry(err)
}

// succeed removes the durable record; the entry has already been detached.
func (p *Processor) succeed(ctx context.Context, e *entry) {
	if e.params.Persistent {
		if err := p.store.Delete(ctx, e.id); err != nil {
			p.logger.Error("delete succeeded job", zap.String("job_id", e.id), zap.Error(err))
		}
	}
	p.audit(ctx, e.id, "succeeded", "")
	telemetry.JobsSucceeded.Inc()
}

// finish runs the job's cancel path and removes its record. It is the only
// way a job ends without success.
func (p *Processor) finish(ctx context.Context, e *entry, status models.JobStatus, reason string, deadLetter bool) {
	p.onCanceledIsolated(ctx, e)

	if e.params.Persistent {
		if err := p.store.Delete(ctx, e.id); err != nil {
			p.logger.Error("delete finished job", zap.String("job_id", e.id), zap.Error(err))
		}
	}
	p.audit(ctx, e.id, string(status), reason)
	telemetry.JobsCanceled.Inc()

	if p.dlq != nil && deadLetter {
		payload, _ := e.job.Payload()
		dl := models.DeadLetter{
			JobID:    e.id,
			Kind:     e.job.Kind(),
			Payload:  payload,
			Attempts: e.attempts,
			Error:    reason,
			At:       time.Now().UTC(),
		}
		if err := p.dlq.DLQPush(ctx, dl); err != nil {
			p.logger.Warn("push dead letter", zap.String("job_id", e.id), zap.Error(err))
		}
	}
	p.logger.Info("job ended", zap.String("job_id", e.id), zap.String("status", string(status)), zap.String("reason", reason))
}

func (p *Processor) onCanceledIsolated(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cancel handler panicked", zap.String("job_id", e.id), zap.Any("panic", r))
		}
	}()
	e.job.OnCanceled(ctx, p.env)
}

// detachLocked drops the in-memory reference. Callers hold p.mu.
func (p *Processor) detachLocked(e *entry) {
	if e.removed {
		return
	}
	if e.state == stateGated {
		telemetry.GatedGauge.Dec()
	}
	e.removed = true
	delete(p.entries, e.id)
}

func (p *Processor) persistStatus(ctx context.Context, e *entry, status models.JobStatus, attempts int, nextRun time.Time, lastErr *string) {
	if !e.params.Persistent {
		return
	}
	if err := p.store.UpdateStatus(ctx, e.id, status, attempts, nextRun, lastErr); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("update job status", zap.String("job_id", e.id), zap.Error(err))
	}
}

func (p *Processor) audit(ctx context.Context, id, event, detail string) {
	if err := p.store.AppendAudit(ctx, id, event, detail); err != nil {
		p.logger.Warn("append audit", zap.String("job_id", id), zap.Error(err))
	}
}

func (p *Processor) maxAttempts(params jobs.Parameters) int {
	if params.MaxAttempts > 0 {
		return params.MaxAttempts
	}
	return p.opts.MaxAttempts
}

func (p *Processor) lifespan(params jobs.Parameters) time.Duration {
	if params.Lifespan > 0 {
		return params.Lifespan
	}
	return p.opts.Lifespan
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
