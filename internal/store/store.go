package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

var (
	// ErrQuotaExceeded means the identity has no allowance left; nothing was written.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrDuplicateActiveJob means a non-terminal job already holds the access key.
	ErrDuplicateActiveJob = errors.New("duplicate active job")
	// ErrTransitionRejected means the row was no longer in the expected prior state.
	// Callers treat it as a harmless no-op.
	ErrTransitionRejected = errors.New("job transition rejected")
)

// RetryBudgetExhaustedMessage is recorded on jobs failed by the recovery sweep.
const RetryBudgetExhaustedMessage = "exceeded retry budget after stall"

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	GetLedger(ctx context.Context, identity string) (*models.QuotaLedger, bool, error)
	SetTier(ctx context.Context, identity, tier string, now time.Time) (*models.QuotaLedger, error)

	AdmitJob(ctx context.Context, p AdmitParams) (*AdmitResult, error)
	GetJob(ctx context.Context, accessKey string) (*models.Job, error)
	ClaimNextQueued(ctx context.Context) (*models.Job, error)
	CompleteJob(ctx context.Context, accessKey string, attempt int, result []byte) error
	FailJob(ctx context.Context, accessKey string, attempt int, message string) error
	UpdateProgress(ctx context.Context, accessKey string, pct int) error
	RecoverStale(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]RecoveryOutcome, error)
	ReleaseOrphanedQuota(ctx context.Context, limit int) (int, error)
	QueueStats(ctx context.Context) (QueueStats, error)
	ForceUpdatedAt(ctx context.Context, accessKey string, t time.Time) error
}

// AdmitParams describes one admission attempt.
type AdmitParams struct {
	AccessKey   string
	Identity    string
	Subject     models.Subject
	Tiers       quota.Tiers
	DefaultTier string
	Now         time.Time
}

// AdmitResult is the outcome of a successful admission. QueuedAhead counts
// queued jobs ordered before this one; Active counts processing jobs.
type AdmitResult struct {
	Job         *models.Job
	Tier        string
	QueuedAhead int
	Active      int
}

type RecoveryAction string

const (
	RecoveryRequeued RecoveryAction = "requeued"
	RecoveryFailed   RecoveryAction = "failed"
)

// RecoveryOutcome records what the sweep did to one stale job.
type RecoveryOutcome struct {
	AccessKey  string
	Identity   string
	RetryCount int
	Action     RecoveryAction
}

// QueueStats are counts derived from the jobs table.
type QueueStats struct {
	Queued     int
	Processing int
}
