// Package recovery periodically finds jobs stuck in processing and either
// requeues them or fails them once their retry budget is spent.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gapscout/internal/cache"
	"github.com/kiranshivaraju/gapscout/internal/config"
	"github.com/kiranshivaraju/gapscout/internal/notify"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrStaleProcessingDetected marks a job found processing past the staleness threshold.
	ErrStaleProcessingDetected = errors.New("stale processing detected")
	// ErrRetryBudgetExhausted marks a stale job failed because it has no retries left.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Store is the subset of store.Store the sweep needs.
type Store interface {
	RecoverStale(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]store.RecoveryOutcome, error)
	ReleaseOrphanedQuota(ctx context.Context, limit int) (int, error)
}

// Locker serializes sweeps across replicas. cache.RedisCache satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Options configures a Sweeper. Schedule, when set, takes precedence over Interval.
type Options struct {
	Interval       time.Duration
	Schedule       string
	StaleThreshold time.Duration
	MaxRetries     int
	BatchSize      int
	LockTTL        time.Duration
}

// OptionsFromConfig maps the recovery configuration onto Options.
func OptionsFromConfig(cfg config.RecoveryConfig) Options {
	return Options{
		Interval:       cfg.Interval,
		Schedule:       cfg.Schedule,
		StaleThreshold: cfg.StaleThreshold,
		MaxRetries:     cfg.MaxRetries,
		BatchSize:      cfg.BatchSize,
	}
}

// Report summarizes one sweep pass.
type Report struct {
	Requeued int                     `json:"requeued"`
	Failed   int                     `json:"failed"`
	Released int                     `json:"quota_released"`
	Skipped  bool                    `json:"skipped"`
	Outcomes []store.RecoveryOutcome `json:"-"`
}

// Sweeper runs recovery passes on a gocron schedule.
type Sweeper struct {
	store    Store
	locker   Locker
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	opts     Options
	now      func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// New creates a Sweeper. locker, notifier and metrics may be nil.
func New(st Store, locker Locker, notifier notify.Notifier, metrics *telemetry.Metrics, opts Options) *Sweeper {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Sweeper{
		store:    st,
		locker:   locker,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single pass. A pass that cannot take the cross-replica
// lock is skipped and reported as such.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "recovery.sweep")
	defer span.End()

	if s.locker != nil {
		token := uuid.NewString()
		ok, err := s.locker.TryLock(ctx, cache.SweepLockKey(), token, s.opts.LockTTL)
		switch {
		case err != nil:
			// row locks in the store keep concurrent passes safe
			slog.WarnContext(ctx, "sweep lock unavailable, running unlocked", "error", err)
		case !ok:
			slog.DebugContext(ctx, "sweep skipped, another replica holds the lock")
			return Report{Skipped: true}, nil
		default:
			defer func() {
				unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.locker.Unlock(unlockCtx, cache.SweepLockKey(), token); err != nil {
					slog.WarnContext(ctx, "releasing sweep lock", "error", err)
				}
			}()
		}
	}

	var report Report
	cutoff := s.now().Add(-s.opts.StaleThreshold)
	for {
		outcomes, err := s.store.RecoverStale(ctx, cutoff, s.opts.MaxRetries, s.opts.BatchSize)
		if err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("recovering stale jobs: %w", err)
		}
		for _, o := range outcomes {
			s.handle(ctx, o, &report)
		}
		if len(outcomes) < s.opts.BatchSize {
			break
		}
	}

	released, err := s.store.ReleaseOrphanedQuota(ctx, s.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("releasing orphaned quota: %w", err)
	}
	report.Released = released

	s.metrics.RecordRecovered(ctx, string(store.RecoveryRequeued), report.Requeued)
	s.metrics.RecordRecovered(ctx, string(store.RecoveryFailed), report.Failed)
	s.metrics.RecordQuotaReleased(ctx, report.Failed+report.Released)
	span.SetAttributes(
		attribute.Int("recovery.requeued", report.Requeued),
		attribute.Int("recovery.failed", report.Failed),
		attribute.Int("recovery.released", report.Released),
	)

	if report.Requeued+report.Failed+report.Released > 0 {
		slog.InfoContext(ctx, "recovery sweep finished",
			"requeued", report.Requeued,
			"failed", report.Failed,
			"quota_released", report.Released,
		)
	}
	return report, nil
}

func (s *Sweeper) handle(ctx context.Context, o store.RecoveryOutcome, report *Report) {
	report.Outcomes = append(report.Outcomes, o)
	switch o.Action {
	case store.RecoveryRequeued:
		report.Requeued++
		slog.WarnContext(ctx, "stale job requeued",
			"access_key", o.AccessKey,
			"retry_count", o.RetryCount,
			"error", ErrStaleProcessingDetected,
		)
	case store.RecoveryFailed:
		report.Failed++
		slog.WarnContext(ctx, "stale job failed",
			"access_key", o.AccessKey,
			"retry_count", o.RetryCount,
			"error", fmt.Errorf("%w: %w", ErrStaleProcessingDetected, ErrRetryBudgetExhausted),
		)
		s.notifier.JobFinished(ctx, notify.RecoveryFailedEvent(o, s.now()))
	}
}

// Start schedules RunOnce. Each pass runs with ctx; passes never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return errors.New("sweeper already started")
	}

	var job gocron.JobDefinition
	switch {
	case s.opts.Schedule != "":
		if err := config.ParseCron(s.opts.Schedule); err != nil {
			return fmt.Errorf("parsing recovery schedule: %w", err)
		}
		job = gocron.CronJob(s.opts.Schedule, false)
	case s.opts.Interval > 0:
		job = gocron.DurationJob(s.opts.Interval)
	default:
		return errors.New("both recovery schedule and interval are empty")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		job,
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "recovery sweep failed", "error", err)
			}
		}),
		gocron.WithName("recovery-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	sched.Start()
	s.scheduler = sched
	slog.InfoContext(ctx, "recovery sweeper started",
		"interval", s.opts.Interval.String(),
		"schedule", s.opts.Schedule,
		"stale_threshold", s.opts.StaleThreshold.String(),
		"max_retries", s.opts.MaxRetries,
	)
	return nil
}

// Stop shuts the schedule down, waiting for a running pass to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	if err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}
