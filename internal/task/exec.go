package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	progressPrefix = "PROGRESS "
	maxStderrTail  = 4096
	waitDelay      = 5 * time.Second
)

// ExecTask runs an external command per attempt. The invocation is written to
// stdin as JSON and stdout is the result. Stderr lines of the form
// "PROGRESS <n>" report progress; everything else is kept as diagnostics.
type ExecTask struct {
	command   string
	args      []string
	dir       string
	maxOutput int
}

// NewExecTask creates an ExecTask. Stdout is capped at the same size as an
// HTTP task result.
func NewExecTask(command string, args []string, dir string) *ExecTask {
	return &ExecTask{command: command, args: args, dir: dir, maxOutput: maxResultBytes}
}

func (t *ExecTask) Name() string { return "exec" }

func (t *ExecTask) Run(ctx context.Context, inv Invocation, progress ProgressFunc) ([]byte, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"GAPSCOUT_ACCESS_KEY="+inv.AccessKey,
		"GAPSCOUT_ATTEMPT="+strconv.Itoa(inv.Attempt),
	)
	cmd.WaitDelay = waitDelay

	stdout := &cappedBuffer{max: t.maxOutput}
	stderr := &stderrWriter{progress: progress, tail: &tailBuffer{max: maxStderrTail}}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrTaskExecution, t.command, err)
	}

	err = cmd.Wait()
	stderr.flush()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		diag := strings.TrimSpace(stderr.tail.String())
		if diag == "" {
			return nil, fmt.Errorf("%w: %v", ErrTaskExecution, err)
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrTaskExecution, err, diag)
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%w: result exceeds %d bytes", ErrMalformedOutput, t.maxOutput)
	}
	return stdout.buf.Bytes(), nil
}

// cappedBuffer keeps at most max bytes and drops the rest. It never fails a
// write, so the child is not blocked on a full pipe.
type cappedBuffer struct {
	buf      bytes.Buffer
	max      int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); len(p) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

// stderrWriter splits the task's stderr into lines, forwarding progress lines
// and keeping the rest as diagnostics.
type stderrWriter struct {
	progress ProgressFunc
	tail     *tailBuffer
	partial  []byte
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxStderrTail {
		w.line(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

func (w *stderrWriter) flush() {
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *stderrWriter) line(l string) {
	if pct, ok := parseProgress(l); ok {
		w.progress(pct)
		return
	}
	w.tail.WriteLine(l)
}

func parseProgress(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(rest, "%")))
	if err != nil {
		return 0, false
	}
	return pct, true
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) WriteLine(line string) {
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
