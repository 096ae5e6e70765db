// Package task runs the opaque analysis work for one job under a hard
// wall-clock timeout and classifies how it ended.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/gapscout/pkg/models"
)

var (
	ErrTaskTimeout     = errors.New("task timed out")
	ErrTaskExecution   = errors.New("task execution failed")
	ErrMalformedOutput = errors.New("task produced malformed output")
	// ErrCanceled means the host is shutting down. Nothing is recorded for the
	// job; the recovery sweep picks it up.
	ErrCanceled = errors.New("task canceled")
)

// Invocation is what a task receives for one attempt.
type Invocation struct {
	AccessKey string         `json:"access_key"`
	Identity  string         `json:"identity"`
	Subject   models.Subject `json:"subject"`
	Attempt   int            `json:"attempt"`
}

// ProgressFunc receives advisory progress in percent.
type ProgressFunc func(pct int)

// Task is one opaque unit of analysis work. Run returns the raw result
// payload, which must be a JSON object or array.
type Task interface {
	Name() string
	Run(ctx context.Context, inv Invocation, progress ProgressFunc) ([]byte, error)
}

// Runner wraps a Task with the timeout and output checks. It never retries.
type Runner struct {
	task    Task
	timeout time.Duration
}

// NewRunner creates a Runner.
func NewRunner(t Task, timeout time.Duration) *Runner {
	return &Runner{task: t, timeout: timeout}
}

func (r *Runner) TaskName() string { return r.task.Name() }

type taskResult struct {
	out []byte
	err error
}

// Run executes one attempt. On failure the returned error wraps exactly one of
// ErrTaskTimeout, ErrTaskExecution, ErrMalformedOutput or ErrCanceled, and its
// message is suitable for the job's error field.
//
// Run returns as soon as the deadline passes even if the task ignores its
// context. The abandoned task keeps running in the background, but its
// progress reports and result are discarded.
func (r *Runner) Run(ctx context.Context, inv Invocation, progress ProgressFunc) (json.RawMessage, error) {
	if progress == nil {
		progress = func(int) {}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var done atomic.Bool
	defer done.Store(true)
	guarded := func(pct int) {
		if !done.Load() {
			progress(pct)
		}
	}

	resCh := make(chan taskResult, 1)
	go func() {
		var res taskResult
		defer func() {
			if p := recover(); p != nil {
				res = taskResult{err: fmt.Errorf("%w: panic: %v", ErrTaskExecution, p)}
			}
			resCh <- res
		}()
		res.out, res.err = r.task.Run(runCtx, inv, guarded)
	}()

	var res taskResult
	select {
	case res = <-resCh:
	case <-runCtx.Done():
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, r.timeout)
	}

	out, err := res.out, res.err
	if err != nil {
		if errors.Is(err, ErrTaskExecution) || errors.Is(err, ErrMalformedOutput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTaskExecution, err)
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}
	if (out[0] != '{' && out[0] != '[') || !json.Valid(out) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, excerpt(out, 200))
	}
	return json.RawMessage(out), nil
}

func excerpt(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
