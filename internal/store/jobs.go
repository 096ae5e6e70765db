package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

const jobColumns = `access_key, identity, subject, status, progress_percentage, result, error,
	retry_count, quota_released, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		status string
		result []byte
	)
	err := row.Scan(&j.AccessKey, &j.Identity, &j.Subject, &status, &j.ProgressPercentage, &result, &j.Error,
		&j.RetryCount, &j.QuotaReleased, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if result != nil {
		j.Result = result
	}
	return &j, nil
}

// AdmitJob reserves one unit of quota and inserts the job as queued, in a
// single transaction. A terminal job holding the same access key is re-armed
// in place, but only for the identity that owns it. On ErrQuotaExceeded or
// ErrDuplicateActiveJob nothing is written.
func (s *PostgresStore) AdmitJob(ctx context.Context, p AdmitParams) (*AdmitResult, error) {
	now := p.Now.UTC()
	if p.Now.IsZero() {
		now = time.Now().UTC()
	}

	var res *AdmitResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fresh := quota.NewLedger(p.Identity, p.DefaultTier, now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO quota_ledger (identity, tier, period_started_at, period_reset_at, day_reset_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (identity) DO NOTHING`,
			fresh.Identity, fresh.Tier, fresh.PeriodStartedAt, fresh.PeriodResetAt, fresh.DayResetAt, now); err != nil {
			return fmt.Errorf("ensure ledger: %w", err)
		}

		ledger, err := scanLedger(tx.QueryRow(ctx,
			`SELECT `+ledgerColumns+` FROM quota_ledger WHERE identity = $1 FOR UPDATE`, p.Identity))
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		quota.Roll(ledger, now)

		limits, ok := p.Tiers.Limits(ledger.Tier)
		if !ok {
			if limits, ok = p.Tiers.Limits(p.DefaultTier); !ok {
				return fmt.Errorf("tier %q has no limits configured", ledger.Tier)
			}
		}

		job, err := scanJob(tx.QueryRow(ctx,
			`INSERT INTO jobs (access_key, identity, subject, status, progress_percentage, retry_count,
			                   quota_released, created_at, updated_at)
			 VALUES ($1, $2, $3, 'queued', 0, 0, FALSE, $4, $4)
			 ON CONFLICT (access_key) DO UPDATE SET
			   subject = EXCLUDED.subject,
			   status = 'queued',
			   progress_percentage = 0,
			   result = NULL,
			   error = NULL,
			   retry_count = 0,
			   quota_released = FALSE,
			   created_at = EXCLUDED.created_at,
			   updated_at = EXCLUDED.updated_at,
			   started_at = NULL,
			   completed_at = NULL
			 WHERE jobs.status IN ('completed', 'failed') AND jobs.identity = EXCLUDED.identity
			 RETURNING `+jobColumns,
			p.AccessKey, p.Identity, p.Subject, now))
		if errors.Is(err, pgx.ErrNoRows) {
			var owner string
			if err := tx.QueryRow(ctx, `SELECT identity FROM jobs WHERE access_key = $1`, p.AccessKey).Scan(&owner); err != nil {
				return fmt.Errorf("lookup job owner: %w", err)
			}
			if owner != p.Identity {
				return fmt.Errorf("%w: access key belongs to another identity", ErrDuplicateActiveJob)
			}
			return ErrDuplicateActiveJob
		}
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateActiveJob
			}
			return fmt.Errorf("insert job: %w", err)
		}

		if ledger.AnalysesUsedThisPeriod >= limits.Monthly {
			return fmt.Errorf("%w: monthly allowance of %d analyses used", ErrQuotaExceeded, limits.Monthly)
		}
		if ledger.AnalysesUsedToday >= limits.Daily {
			return fmt.Errorf("%w: daily rate of %d analyses reached", ErrQuotaExceeded, limits.Daily)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE quota_ledger SET
			   analyses_used_this_period = $2,
			   period_started_at = $3,
			   period_reset_at = $4,
			   analyses_used_today = $5,
			   day_reset_at = $6,
			   updated_at = $7
			 WHERE identity = $1`,
			ledger.Identity, ledger.AnalysesUsedThisPeriod+1, ledger.PeriodStartedAt, ledger.PeriodResetAt,
			ledger.AnalysesUsedToday+1, ledger.DayResetAt, now); err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}

		res = &AdmitResult{Job: job, Tier: ledger.Tier}
		err = tx.QueryRow(ctx,
			`SELECT
			   COUNT(*) FILTER (WHERE status = 'queued' AND (created_at, access_key) < ($1::timestamptz, $2::text)),
			   COUNT(*) FILTER (WHERE status = 'processing')
			 FROM jobs`, job.CreatedAt, job.AccessKey).Scan(&res.QueuedAhead, &res.Active)
		if err != nil {
			return fmt.Errorf("queue position: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, accessKey string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE access_key = $1`, accessKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimNextQueued moves the oldest queued job to processing and returns it.
// Returns ErrNotFound when nothing is queued.
func (s *PostgresStore) ClaimNextQueued(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', progress_percentage = 0, started_at = $1, updated_at = $1
		 WHERE access_key = (
		   SELECT access_key FROM jobs WHERE status = 'queued'
		   ORDER BY created_at, access_key
		   LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued job: %w", err)
	}
	return j, nil
}

// CompleteJob records a successful result. attempt is the retry_count observed
// at claim time; a mismatch means the sweep took the job back.
func (s *PostgresStore) CompleteJob(ctx context.Context, accessKey string, attempt int, result []byte) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $3, progress_percentage = 100,
		   completed_at = $4, updated_at = $4
		 WHERE access_key = $1 AND status = 'processing' AND retry_count = $2`,
		accessKey, attempt, result, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransitionRejected
	}
	return nil
}

// FailJob records a failure and releases the job's quota reservation in the
// same transaction.
func (s *PostgresStore) FailJob(ctx context.Context, accessKey string, attempt int, message string) error {
	now := time.Now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			identity    string
			admittedAt  time.Time
			wasReleased bool
		)
		err := tx.QueryRow(ctx,
			`WITH prev AS (
			   SELECT access_key, quota_released FROM jobs
			   WHERE access_key = $1 AND status = 'processing' AND retry_count = $2
			   FOR UPDATE
			 )
			 UPDATE jobs j SET status = 'failed', error = $3, completed_at = $4, updated_at = $4,
			   quota_released = TRUE
			 FROM prev WHERE j.access_key = prev.access_key
			 RETURNING j.identity, j.created_at, prev.quota_released`,
			accessKey, attempt, message, now).Scan(&identity, &admittedAt, &wasReleased)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransitionRejected
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if wasReleased {
			return nil
		}
		return releaseQuota(ctx, tx, identity, admittedAt, now)
	})
}

// UpdateProgress stores an advisory progress value. It does not bump
// updated_at, so progress never masks a stall.
func (s *PostgresStore) UpdateProgress(ctx context.Context, accessKey string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress_percentage = $2 WHERE access_key = $1 AND status = 'processing'`,
		accessKey, pct)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE access_key = $1)`, accessKey).Scan(&exists); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTransitionRejected
}

// RecoverStale requeues or fails processing jobs whose updated_at is older
// than cutoff, oldest first, at most limit per call. Requeued jobs keep their
// created_at and so their place in the queue. Jobs whose retry budget is spent
// fail with RetryBudgetExhaustedMessage and release their quota.
func (s *PostgresStore) RecoverStale(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]RecoveryOutcome, error) {
	now := time.Now().UTC()
	var outcomes []RecoveryOutcome
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		outcomes = outcomes[:0]
		rows, err := tx.Query(ctx,
			`SELECT access_key, identity, retry_count, quota_released, created_at FROM jobs
			 WHERE status = 'processing' AND updated_at < $1
			 ORDER BY updated_at, access_key
			 LIMIT $2 FOR UPDATE SKIP LOCKED`, cutoff, limit)
		if err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}
		type stale struct {
			accessKey  string
			identity   string
			retryCount int
			released   bool
			createdAt  time.Time
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.accessKey, &st.identity, &st.retryCount, &st.released, &st.createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale job: %w", err)
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}

		for _, st := range found {
			if st.retryCount < maxRetries {
				if _, err := tx.Exec(ctx,
					`UPDATE jobs SET status = 'queued', retry_count = retry_count + 1, started_at = NULL,
					   progress_percentage = 0, updated_at = $2
					 WHERE access_key = $1 AND status = 'processing'`, st.accessKey, now); err != nil {
					return fmt.Errorf("requeue %s: %w", st.accessKey, err)
				}
				outcomes = append(outcomes, RecoveryOutcome{
					AccessKey: st.accessKey, Identity: st.identity, RetryCount: st.retryCount + 1, Action: RecoveryRequeued,
				})
				continue
			}

			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = 'failed', error = $2, completed_at = $3, updated_at = $3,
				   quota_released = TRUE
				 WHERE access_key = $1 AND status = 'processing'`,
				st.accessKey, RetryBudgetExhaustedMessage, now); err != nil {
				return fmt.Errorf("fail %s: %w", st.accessKey, err)
			}
			if !st.released {
				if err := releaseQuota(ctx, tx, st.identity, st.createdAt, now); err != nil {
					return err
				}
			}
			outcomes = append(outcomes, RecoveryOutcome{
				AccessKey: st.accessKey, Identity: st.identity, RetryCount: st.retryCount, Action: RecoveryFailed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// ReleaseOrphanedQuota applies the rollback for failed jobs that never had it
// applied, such as rows failed by hand. Returns the number released.
func (s *PostgresStore) ReleaseOrphanedQuota(ctx context.Context, limit int) (int, error) {
	now := time.Now().UTC()
	released := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		released = 0
		rows, err := tx.Query(ctx,
			`UPDATE jobs SET quota_released = TRUE
			 WHERE access_key IN (
			   SELECT access_key FROM jobs
			   WHERE status = 'failed' AND NOT quota_released
			   ORDER BY updated_at LIMIT $1 FOR UPDATE SKIP LOCKED
			 )
			 RETURNING identity, created_at`, limit)
		if err != nil {
			return fmt.Errorf("mark orphaned quota: %w", err)
		}
		type orphan struct {
			identity  string
			createdAt time.Time
		}
		var found []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.identity, &o.createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan orphaned quota: %w", err)
			}
			found = append(found, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("mark orphaned quota: %w", err)
		}
		for _, o := range found {
			if err := releaseQuota(ctx, tx, o.identity, o.createdAt, now); err != nil {
				return err
			}
		}
		released = len(found)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// QueueStats counts queued and processing jobs in one statement so the pair
// is consistent.
func (s *PostgresStore) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'queued'),
		   COUNT(*) FILTER (WHERE status = 'processing')
		 FROM jobs`).Scan(&st.Queued, &st.Processing)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// ForceUpdatedAt overwrites a job's updated_at. Operators use it to push a
// wedged job past the staleness threshold.
func (s *PostgresStore) ForceUpdatedAt(ctx context.Context, accessKey string, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = $2 WHERE access_key = $1`, accessKey, t.UTC())
	if err != nil {
		return fmt.Errorf("force updated_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
