package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/gapscout/internal/task"
)

// MockTask satisfies task.Task for testing.
type MockTask struct {
	Name_   string
	RunFunc func(ctx context.Context, inv task.Invocation, progress task.ProgressFunc) ([]byte, error)

	mu    sync.Mutex
	calls []task.Invocation
}

func (m *MockTask) Name() string { return m.Name_ }

func (m *MockTask) Run(ctx context.Context, inv task.Invocation, progress task.ProgressFunc) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx, inv, progress)
	}
	return []byte(`{}`), nil
}

// Calls returns the invocations seen so far.
func (m *MockTask) Calls() []task.Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Invocation, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewSucceedingTask returns a MockTask that reports 50% progress and returns result.
func NewSucceedingTask(result string) *MockTask {
	return &MockTask{
		Name_: "mock",
		RunFunc: func(_ context.Context, _ task.Invocation, progress task.ProgressFunc) ([]byte, error) {
			progress(50)
			return []byte(result), nil
		},
	}
}

// NewFailingTask returns a MockTask that always returns err.
func NewFailingTask(err error) *MockTask {
	return &MockTask{
		Name_: "mock-failing",
		RunFunc: func(_ context.Context, _ task.Invocation, _ task.ProgressFunc) ([]byte, error) {
			return nil, err
		},
	}
}

// NewBlockingTask returns a MockTask that blocks until its context is done.
func NewBlockingTask() *MockTask {
	return &MockTask{
		Name_: "mock-blocking",
		RunFunc: func(ctx context.Context, _ task.Invocation, _ task.ProgressFunc) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// NewGatedTask returns a MockTask that waits for a value on release before
// returning it as the result.
func NewGatedTask(release <-chan string) *MockTask {
	return &MockTask{
		Name_: "mock-gated",
		RunFunc: func(ctx context.Context, _ task.Invocation, _ task.ProgressFunc) ([]byte, error) {
			select {
			case out := <-release:
				return []byte(out), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// Compile-time check that MockTask implements task.Task.
var _ task.Task = (*MockTask)(nil)
