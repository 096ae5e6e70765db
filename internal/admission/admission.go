// Package admission validates analysis requests and turns them into queued
// jobs with one unit of quota reserved.
package admission

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/telemetry"
	"github.com/kiranshivaraju/gapscout/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrQuotaExceeded      = store.ErrQuotaExceeded
	ErrDuplicateActiveJob = store.ErrDuplicateActiveJob
)

const (
	maxIdentityLen    = 254
	maxChannelNameLen = 200
	defaultVideoCount = 50
	maxVideoCount     = 500
	accessKeyPrefix   = "ak_"
)

var accessKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// JobStore is the subset of store.Store admission needs.
type JobStore interface {
	AdmitJob(ctx context.Context, p store.AdmitParams) (*store.AdmitResult, error)
}

// Waker is told when new work was queued.
type Waker interface {
	Wake()
}

// Invalidator drops cached status projections.
type Invalidator interface {
	Invalidate(ctx context.Context, accessKey string)
}

// Request is one submission. AccessKey is optional.
type Request struct {
	AccessKey string
	Identity  string
	Subject   models.Subject
}

// Response is returned for an admitted job. QueuePosition is advisory.
type Response struct {
	Status        models.JobStatus `json:"status"`
	Message       string           `json:"message"`
	AccessKey     string           `json:"access_key"`
	QueuePosition int              `json:"queue_position"`
}

// Controller admits jobs.
type Controller struct {
	store         JobStore
	gate          *quota.Gate
	waker         Waker
	invalidator   Invalidator
	metrics       *telemetry.Metrics
	maxConcurrent int
	now           func() time.Time
}

// NewController creates a Controller. waker, invalidator and metrics may be nil.
func NewController(st JobStore, gate *quota.Gate, waker Waker, invalidator Invalidator, metrics *telemetry.Metrics, maxConcurrent int) *Controller {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Controller{
		store:         st,
		gate:          gate,
		waker:         waker,
		invalidator:   invalidator,
		metrics:       metrics,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Admit validates req, reserves quota and queues the job atomically.
// Errors wrap ErrInvalidRequest, ErrQuotaExceeded or ErrDuplicateActiveJob;
// in each of those cases nothing was written.
func (c *Controller) Admit(ctx context.Context, req Request) (*Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "admission.admit")
	defer span.End()

	if err := normalize(&req); err != nil {
		c.metrics.RecordRejected(ctx, "INVALID_REQUEST")
		return nil, err
	}
	span.SetAttributes(attribute.String("job.access_key", req.AccessKey))

	stop := telemetry.StartTiming(ctx, "admit")
	res, err := c.store.AdmitJob(ctx, store.AdmitParams{
		AccessKey:   req.AccessKey,
		Identity:    req.Identity,
		Subject:     req.Subject,
		Tiers:       c.gate.Tiers(),
		DefaultTier: c.gate.DefaultTier(),
		Now:         c.now(),
	})
	stop()
	if err != nil {
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			c.metrics.RecordRejected(ctx, "QUOTA_EXCEEDED")
		case errors.Is(err, ErrDuplicateActiveJob):
			c.metrics.RecordRejected(ctx, "DUPLICATE_ACTIVE_JOB")
		default:
			span.RecordError(err)
			return nil, fmt.Errorf("admit job: %w", err)
		}
		return nil, err
	}

	if c.invalidator != nil {
		c.invalidator.Invalidate(ctx, req.AccessKey)
	}
	if c.waker != nil {
		c.waker.Wake()
	}
	c.metrics.RecordAdmitted(ctx, res.Tier)

	pos := QueuePosition(res.QueuedAhead, res.Active, c.maxConcurrent)
	return &Response{
		Status:        models.JobStatusQueued,
		Message:       queuedMessage(pos),
		AccessKey:     req.AccessKey,
		QueuePosition: pos,
	}, nil
}

// QueuePosition is the number of queued jobs ahead, plus one when every
// worker slot is taken.
func QueuePosition(queuedAhead, active, maxConcurrent int) int {
	pos := queuedAhead
	if active >= maxConcurrent {
		pos++
	}
	return pos
}

func queuedMessage(pos int) string {
	if pos == 0 {
		return "Analysis queued and will start shortly"
	}
	return fmt.Sprintf("Analysis queued behind %d other job(s)", pos)
}

func normalize(req *Request) error {
	req.Identity = strings.TrimSpace(req.Identity)
	switch {
	case req.Identity == "":
		return fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	case len(req.Identity) > maxIdentityLen:
		return fmt.Errorf("%w: identity must be at most %d characters", ErrInvalidRequest, maxIdentityLen)
	}

	req.Subject.ChannelName = strings.TrimSpace(req.Subject.ChannelName)
	switch {
	case req.Subject.ChannelName == "":
		return fmt.Errorf("%w: channel_name is required", ErrInvalidRequest)
	case len(req.Subject.ChannelName) > maxChannelNameLen:
		return fmt.Errorf("%w: channel_name must be at most %d characters", ErrInvalidRequest, maxChannelNameLen)
	}

	switch {
	case req.Subject.VideoCount <= 0:
		req.Subject.VideoCount = defaultVideoCount
	case req.Subject.VideoCount > maxVideoCount:
		req.Subject.VideoCount = maxVideoCount
	}

	req.AccessKey = strings.TrimSpace(req.AccessKey)
	if req.AccessKey == "" {
		req.AccessKey = NewAccessKey()
	} else if !accessKeyPattern.MatchString(req.AccessKey) {
		return fmt.Errorf("%w: access_key must be 8-128 characters of letters, digits, '_' or '-'", ErrInvalidRequest)
	}
	return nil
}

// NewAccessKey returns a fresh random access key.
func NewAccessKey() string {
	return accessKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
