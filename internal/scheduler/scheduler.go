// Package scheduler pulls queued jobs from the store in FIFO order and runs at
// most MaxConcurrent of them at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/gapscout/internal/notify"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/task"
	"github.com/kiranshivaraju/gapscout/internal/telemetry"
	"github.com/kiranshivaraju/gapscout/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// JobStore is the subset of store.Store the scheduler needs.
type JobStore interface {
	ClaimNextQueued(ctx context.Context) (*models.Job, error)
	CompleteJob(ctx context.Context, accessKey string, attempt int, result []byte) error
	FailJob(ctx context.Context, accessKey string, attempt int, message string) error
	UpdateProgress(ctx context.Context, accessKey string, pct int) error
	RecoverStale(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]store.RecoveryOutcome, error)
	QueueStats(ctx context.Context) (store.QueueStats, error)
}

// Executor runs one attempt of a job. task.Runner satisfies it.
type Executor interface {
	TaskName() string
	Run(ctx context.Context, inv task.Invocation, progress task.ProgressFunc) (json.RawMessage, error)
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	// MaxRetries is the retry budget applied to jobs found processing at startup.
	MaxRetries int
	// ReconcileBatch bounds each startup reconciliation query.
	ReconcileBatch int
	// WriteTimeout bounds the terminal write after a task returns.
	WriteTimeout time.Duration
	// ProgressInterval is the minimum gap between progress writes for one job.
	ProgressInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReconcileBatch < 1 {
		o.ReconcileBatch = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
}

// Stats is the queue read model. Counts come from the store, not from the
// semaphore, so they stay correct across restarts.
type Stats struct {
	QueueLength   int `json:"queue_length"`
	ActiveJobs    int `json:"active_jobs"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Scheduler dispatches queued jobs to the Executor. Create one with New; the
// hosting process owns its lifecycle through Start and Stop.
type Scheduler struct {
	store    JobStore
	exec     Executor
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	opts     Options

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

// New creates a Scheduler. notifier and metrics may be nil.
func New(st JobStore, exec Executor, notifier notify.Notifier, metrics *telemetry.Metrics, opts Options) *Scheduler {
	opts.setDefaults()
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Scheduler{
		store:    st,
		exec:     exec,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
	}
}

// MaxConcurrent returns the configured concurrency cap.
func (s *Scheduler) MaxConcurrent() int { return s.opts.MaxConcurrent }

// Start reconciles jobs left processing by a previous process and then starts
// the dispatch loop. It returns once the loop is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling processing jobs: %w", err)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	// job contexts outlive the caller's ctx so Stop can drain them
	s.jobsCtx, s.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoop = stopLoop
	s.loopDone = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)

	slog.InfoContext(ctx, "scheduler started",
		"max_concurrent", s.opts.MaxConcurrent,
		"poll_interval", s.opts.PollInterval.String(),
		"task", s.exec.TaskName(),
	)
	return nil
}

// Stop halts dispatching and waits for running jobs. If ctx expires first the
// running jobs are canceled; they stay processing and the recovery sweep
// requeues them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.stopLoop()
	loopDone := s.loopDone
	cancelJobs := s.cancelJobs
	s.mu.Unlock()

	<-loopDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancelJobs()
		slog.InfoContext(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		cancelJobs()
		<-done
		slog.WarnContext(ctx, "scheduler stopped with jobs interrupted")
		return ctx.Err()
	}
}

// Wake asks the loop to look for work now instead of at the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stats reports queue length, active jobs and the concurrency cap.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	qs, err := s.store.QueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		QueueLength:   qs.Queued,
		ActiveJobs:    qs.Processing,
		MaxConcurrent: s.opts.MaxConcurrent,
	}, nil
}

// reconcile treats every processing row as orphaned: this process holds no
// slots yet, so nothing can legitimately be running.
func (s *Scheduler) reconcile(ctx context.Context) error {
	cutoff := time.Now().UTC()
	var requeued, failed int
	for {
		outcomes, err := s.store.RecoverStale(ctx, cutoff, s.opts.MaxRetries, s.opts.ReconcileBatch)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			switch o.Action {
			case store.RecoveryRequeued:
				requeued++
			case store.RecoveryFailed:
				failed++
				s.notifier.JobFinished(ctx, notify.RecoveryFailedEvent(o, time.Now().UTC()))
			}
		}
		if len(outcomes) < s.opts.ReconcileBatch {
			break
		}
	}

	s.metrics.RecordRecovered(ctx, string(store.RecoveryRequeued), requeued)
	s.metrics.RecordRecovered(ctx, string(store.RecoveryFailed), failed)
	s.metrics.RecordQuotaReleased(ctx, failed)
	if requeued+failed > 0 {
		slog.WarnContext(ctx, "reconciled jobs left processing by a previous run",
			"requeued", requeued,
			"failed", failed,
		)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch claims queued jobs while slots are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}
		job, err := s.store.ClaimNextQueued(ctx)
		if err != nil {
			s.sem.Release(1)
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				slog.ErrorContext(ctx, "claiming next queued job", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go s.run(job)
	}
}

func (s *Scheduler) run(job *models.Job) {
	defer s.wg.Done()
	defer func() {
		s.sem.Release(1)
		s.Wake()
	}()

	attempt := job.RetryCount
	ctx, span := telemetry.StartSpan(s.jobsCtx, "job.run",
		attribute.String("job.access_key", job.AccessKey),
		attribute.Int("job.attempt", attempt),
		attribute.String("task", s.exec.TaskName()),
	)
	defer span.End()

	log := slog.With("access_key", job.AccessKey, "attempt", attempt)
	log.InfoContext(ctx, "job started", "channel_name", job.Subject.ChannelName)

	inv := task.Invocation{
		AccessKey: job.AccessKey,
		Identity:  job.Identity,
		Subject:   job.Subject,
		Attempt:   attempt,
	}

	progress := s.newProgressWriter(ctx, job.AccessKey)
	start := time.Now()
	result, err := s.execute(ctx, inv, progress.Report)
	elapsed := time.Since(start)

	if errors.Is(err, task.ErrCanceled) {
		progress.Stop()
		span.SetStatus(codes.Error, "canceled")
		log.WarnContext(ctx, "job interrupted by shutdown, left for recovery")
		return
	}

	// the last held-back value lands before the terminal write
	progress.Flush()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeOf(err))
		msg := err.Error()
		werr := s.store.FailJob(writeCtx, job.AccessKey, attempt, msg)
		if !s.applied(writeCtx, log, werr) {
			return
		}
		log.WarnContext(ctx, "job failed", "error", msg, "duration_ms", elapsed.Milliseconds())
		s.metrics.RecordFinished(writeCtx, s.exec.TaskName(), outcomeOf(err), elapsed)
		s.metrics.RecordQuotaReleased(writeCtx, 1)
		s.notifier.JobFinished(writeCtx, notify.Event{
			AccessKey:   job.AccessKey,
			Identity:    job.Identity,
			Status:      models.JobStatusFailed,
			Error:       &msg,
			CompletedAt: time.Now().UTC(),
		})
		return
	}

	werr := s.store.CompleteJob(writeCtx, job.AccessKey, attempt, result)
	if !s.applied(writeCtx, log, werr) {
		return
	}
	log.InfoContext(ctx, "job completed", "duration_ms", elapsed.Milliseconds())
	s.metrics.RecordFinished(writeCtx, s.exec.TaskName(), string(models.JobStatusCompleted), elapsed)
	s.notifier.JobFinished(writeCtx, notify.Event{
		AccessKey:   job.AccessKey,
		Identity:    job.Identity,
		Status:      models.JobStatusCompleted,
		CompletedAt: time.Now().UTC(),
	})
}

// execute runs the task and turns a panic into an execution failure.
func (s *Scheduler) execute(ctx context.Context, inv task.Invocation, progress task.ProgressFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", task.ErrTaskExecution, r)
		}
	}()
	return s.exec.Run(ctx, inv, progress)
}

// applied reports whether a terminal write took effect. A rejected transition
// means the sweep or another writer got there first.
func (s *Scheduler) applied(ctx context.Context, log *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrTransitionRejected):
		log.InfoContext(ctx, "terminal write skipped, job no longer held by this attempt")
	default:
		log.ErrorContext(ctx, "recording job outcome", "error", err)
	}
	return false
}

// progressWriter persists progress for one run at most once per
// ProgressInterval, except that 100 is always written. A value held back by
// the interval is written when the interval elapses, unless a newer one
// replaces it first.
type progressWriter struct {
	s         *Scheduler
	ctx       context.Context
	accessKey string

	mu      sync.Mutex
	last    int
	lastAt  time.Time
	pending int
	timer   *time.Timer
	stopped bool
}

func (s *Scheduler) newProgressWriter(ctx context.Context, accessKey string) *progressWriter {
	return &progressWriter{s: s, ctx: ctx, accessKey: accessKey, last: -1, pending: -1}
}

// Report is the task.ProgressFunc handed to the runner.
func (p *progressWriter) Report(pct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if pct == p.last {
		p.pending = -1
		return
	}
	if wait := p.s.opts.ProgressInterval - time.Since(p.lastAt); pct < 100 && wait > 0 {
		p.pending = pct
		if p.timer == nil {
			p.timer = time.AfterFunc(wait, p.fire)
		}
		return
	}
	p.pending = -1
	p.write(pct)
}

func (p *progressWriter) fire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if p.stopped || p.pending < 0 {
		return
	}
	pct := p.pending
	p.pending = -1
	p.write(pct)
}

// Flush writes any held-back value and stops further writes.
func (p *progressWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if p.pending >= 0 {
		pct := p.pending
		p.pending = -1
		p.write(pct)
	}
}

// Stop discards any held-back value and stops further writes.
func (p *progressWriter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.pending = -1
}

func (p *progressWriter) stopLocked() {
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// write must be called with mu held.
func (p *progressWriter) write(pct int) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.s.opts.WriteTimeout)
	defer cancel()
	if err := p.s.store.UpdateProgress(wctx, p.accessKey, pct); err != nil {
		if !errors.Is(err, store.ErrTransitionRejected) {
			slog.WarnContext(p.ctx, "updating progress", "access_key", p.accessKey, "error", err)
		}
		return
	}
	p.last, p.lastAt = pct, time.Now()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, task.ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, task.ErrMalformedOutput):
		return "malformed_output"
	default:
		return "execution_error"
	}
}
