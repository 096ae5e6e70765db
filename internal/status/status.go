// Package status serves the read-only job projection polled by clients.
// It reads the job store and never talks to the scheduler.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/gapscout/internal/cache"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/telemetry"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

var ErrNotFound = errors.New("job not found")

// DefaultCacheTTL is how long terminal projections stay cached.
const DefaultCacheTTL = 10 * time.Minute

// JobReader is the subset of store.Store the service needs.
type JobReader interface {
	GetJob(ctx context.Context, accessKey string) (*models.Job, error)
}

// Cache is the subset of cache.Cache the service needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Projection is what a polling client sees. Exactly one of Result and Error
// is set once the job is terminal.
type Projection struct {
	AccessKey          string           `json:"access_key"`
	ChannelName        string           `json:"channel_name"`
	VideoCount         int              `json:"video_count"`
	Status             models.JobStatus `json:"status"`
	ProgressPercentage int              `json:"progress_percentage"`
	RetryCount         int              `json:"retry_count"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Result             json.RawMessage  `json:"result,omitempty"`
	Error              *string          `json:"error,omitempty"`
}

// Project builds the client view of a job.
func Project(j *models.Job) *Projection {
	return &Projection{
		AccessKey:          j.AccessKey,
		ChannelName:        j.Subject.ChannelName,
		VideoCount:         j.Subject.VideoCount,
		Status:             j.Status,
		ProgressPercentage: j.ProgressPercentage,
		RetryCount:         j.RetryCount,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		Result:             j.Result,
		Error:              j.Error,
	}
}

// Service answers status polls.
type Service struct {
	jobs  JobReader
	cache Cache
	ttl   time.Duration
}

// NewService creates a Service. cache may be nil.
func NewService(jobs JobReader, c Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{jobs: jobs, cache: c, ttl: ttl}
}

// Get returns the projection for accessKey. Cache failures fall back to the
// store.
//
// Cached entries are keyed by the job's cache generation, read before the
// store. A poll racing a re-arm writes under the generation it started with,
// which Invalidate has already retired.
func (s *Service) Get(ctx context.Context, accessKey string) (*Projection, error) {
	gen, cacheable := s.generation(ctx, accessKey)
	key := cache.JobStatusKey(accessKey, gen)

	if cacheable {
		stop := telemetry.StartTiming(ctx, "cache")
		data, found, err := s.cache.Get(ctx, key)
		stop()
		if err != nil {
			slog.WarnContext(ctx, "status cache read failed", "access_key", accessKey, "error", err)
		} else if found {
			var p Projection
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
		}
	}

	stop := telemetry.StartTiming(ctx, "db")
	j, err := s.jobs.GetJob(ctx, accessKey)
	stop()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	p := Project(j)
	// only terminal projections are stable enough to cache
	if cacheable && p.Status.Terminal() {
		if data, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.WarnContext(ctx, "status cache write failed", "access_key", accessKey, "error", err)
			}
		}
	}
	return p, nil
}

// generation reads the cache generation of accessKey. A missing counter is
// generation zero. The cache is bypassed when the counter cannot be read.
func (s *Service) generation(ctx context.Context, accessKey string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	data, found, err := s.cache.Get(ctx, cache.JobGenKey(accessKey))
	if err != nil {
		slog.WarnContext(ctx, "status cache generation read failed", "access_key", accessKey, "error", err)
		return 0, false
	}
	if !found {
		return 0, true
	}
	gen, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Invalidate retires every cached projection for accessKey by bumping its
// generation. A re-armed job must not be served from a stale terminal entry.
func (s *Service) Invalidate(ctx context.Context, accessKey string) {
	if s.cache == nil {
		return
	}
	// outlives any entry written under the retired generation
	gen, err := s.cache.IncrWithExpiry(ctx, cache.JobGenKey(accessKey), 2*s.ttl)
	if err != nil {
		slog.WarnContext(ctx, "status cache invalidation failed", "access_key", accessKey, "error", err)
		return
	}
	if err := s.cache.Delete(ctx, cache.JobStatusKey(accessKey, gen-1)); err != nil {
		slog.WarnContext(ctx, "status cache cleanup failed", "access_key", accessKey, "error", err)
	}
}
