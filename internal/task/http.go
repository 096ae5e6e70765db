package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxResultBytes   = 16 << 20
	maxErrorBodySize = 4096
)

// HTTPTask posts the invocation to a remote analysis service and treats a 2xx
// response body as the result.
type HTTPTask struct {
	url    string
	client *http.Client
}

// NewHTTPTask creates an HTTPTask. The Runner's context carries the deadline,
// so the client has no timeout of its own.
func NewHTTPTask(url string) *HTTPTask {
	return &HTTPTask{url: url, client: &http.Client{}}
}

func (t *HTTPTask) Name() string { return "http" }

func (t *HTTPTask) Run(ctx context.Context, inv Invocation, _ ProgressFunc) ([]byte, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Gapscout-Access-Key", inv.AccessKey)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTaskExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return nil, fmt.Errorf("%w: status %d", ErrTaskExecution, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrTaskExecution, resp.StatusCode, msg)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading response: %v", ErrTaskExecution, err)
	}
	if len(body) > maxResultBytes {
		return nil, fmt.Errorf("%w: result exceeds %d bytes", ErrMalformedOutput, maxResultBytes)
	}
	return body, nil
}
