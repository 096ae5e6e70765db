package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/gapscout/internal/notify"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

// fakeStore is an in-memory JobStore with the same conditional-transition
// rules as the Postgres store.
type fakeStore struct {
	mu            sync.Mutex
	jobs          map[string]*models.Job
	base          time.Time
	seq           int
	released      map[string]int
	progress      map[string][]int
	processing    int
	maxProcessing int
	claimErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     map[string]*models.Job{},
		base:     time.Now().UTC().Add(-time.Hour),
		released: map[string]int{},
		progress: map[string][]int{},
	}
}

func (f *fakeStore) add(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.seq++
		created := f.base.Add(time.Duration(f.seq) * time.Millisecond)
		f.jobs[k] = &models.Job{
			AccessKey: k,
			Identity:  "creator@example.com",
			Subject:   models.Subject{ChannelName: "@" + k, VideoCount: 10},
			Status:    models.JobStatusQueued,
			CreatedAt: created,
			UpdatedAt: created,
		}
	}
}

// addProcessing seeds a job a previous process left behind.
func (f *fakeStore) addProcessing(key string, retryCount int) {
	f.add(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[key]
	started := f.base
	j.Status = models.JobStatusProcessing
	j.RetryCount = retryCount
	j.StartedAt = &started
	j.UpdatedAt = f.base
	f.processing++
}

func (f *fakeStore) get(key string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[key]
}

// requeue mimics the recovery sweep taking a job away from its runner.
func (f *fakeStore) requeue(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[key]
	if j.Status == models.JobStatusProcessing {
		f.processing--
	}
	j.Status = models.JobStatusQueued
	j.RetryCount++
	j.StartedAt = nil
	j.UpdatedAt = time.Now().UTC()
}

func (f *fakeStore) progressOf(key string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.progress[key]...)
}

func (f *fakeStore) releasedFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[key]
}

func (f *fakeStore) peakProcessing() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxProcessing
}

func (f *fakeStore) ClaimNextQueued(_ context.Context) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}

	var queued []*models.Job
	for _, j := range f.jobs {
		if j.Status == models.JobStatusQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(queued, func(a, b int) bool {
		if !queued[a].CreatedAt.Equal(queued[b].CreatedAt) {
			return queued[a].CreatedAt.Before(queued[b].CreatedAt)
		}
		return queued[a].AccessKey < queued[b].AccessKey
	})

	j := queued[0]
	now := time.Now().UTC()
	j.Status = models.JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	j.ProgressPercentage = 0
	f.processing++
	if f.processing > f.maxProcessing {
		f.maxProcessing = f.processing
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) held(key string, attempt int) (*models.Job, error) {
	j, ok := f.jobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing || j.RetryCount != attempt {
		return nil, store.ErrTransitionRejected
	}
	return j, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, key string, attempt int, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.held(key, attempt)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusCompleted
	j.Result = append([]byte(nil), result...)
	j.ProgressPercentage = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
	f.processing--
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, key string, attempt int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.held(key, attempt)
	if err != nil {
		return err
	}
	f.fail(j, message)
	return nil
}

func (f *fakeStore) fail(j *models.Job, message string) {
	now := time.Now().UTC()
	j.Status = models.JobStatusFailed
	j.Error = &message
	j.CompletedAt = &now
	j.UpdatedAt = now
	f.processing--
	if !j.QuotaReleased {
		j.QuotaReleased = true
		f.released[j.AccessKey]++
	}
}

func (f *fakeStore) UpdateProgress(_ context.Context, key string, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[key]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing {
		return store.ErrTransitionRejected
	}
	j.ProgressPercentage = pct
	f.progress[key] = append(f.progress[key], pct)
	return nil
}

func (f *fakeStore) RecoverStale(_ context.Context, cutoff time.Time, maxRetries, limit int) ([]store.RecoveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RecoveryOutcome
	for _, j := range f.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != models.JobStatusProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.RetryCount < maxRetries {
			j.Status = models.JobStatusQueued
			j.RetryCount++
			j.StartedAt = nil
			j.UpdatedAt = time.Now().UTC()
			f.processing--
			out = append(out, store.RecoveryOutcome{AccessKey: j.AccessKey, Identity: j.Identity, RetryCount: j.RetryCount, Action: store.RecoveryRequeued})
			continue
		}
		f.fail(j, store.RetryBudgetExhaustedMessage)
		out = append(out, store.RecoveryOutcome{AccessKey: j.AccessKey, Identity: j.Identity, RetryCount: j.RetryCount, Action: store.RecoveryFailed})
	}
	return out, nil
}

func (f *fakeStore) QueueStats(_ context.Context) (store.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var qs store.QueueStats
	for _, j := range f.jobs {
		switch j.Status {
		case models.JobStatusQueued:
			qs.Queued++
		case models.JobStatusProcessing:
			qs.Processing++
		}
	}
	return qs, nil
}

var _ JobStore = (*fakeStore)(nil)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) JobFinished(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) snapshot() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func (r *recordingNotifier) forKey(key string) []notify.Event {
	var out []notify.Event
	for _, e := range r.snapshot() {
		if e.AccessKey == key {
			out = append(out, e)
		}
	}
	return out
}

var errBoom = errors.New("youtube api returned 403")
