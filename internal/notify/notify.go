// Package notify tells interested parties that a job reached a terminal
// status. Delivery is best effort and never blocks the scheduler.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/pkg/models"
	"golang.org/x/time/rate"
)

// Event describes a terminal transition.
type Event struct {
	AccessKey   string           `json:"access_key"`
	Identity    string           `json:"identity"`
	Status      models.JobStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Notifier receives terminal job events.
type Notifier interface {
	JobFinished(ctx context.Context, e Event)
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

func (LogNotifier) JobFinished(ctx context.Context, e Event) {
	attrs := []any{"access_key", e.AccessKey, "status", e.Status}
	if e.Error != nil {
		attrs = append(attrs, "error", *e.Error)
	}
	slog.InfoContext(ctx, "job finished", attrs...)
}

// WebhookNotifier POSTs each event to a URL. Deliveries run in the background,
// are rate limited and are never retried.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a WebhookNotifier sending at most ratePerSec
// requests per second.
func NewWebhookNotifier(url string, ratePerSec float64, timeout time.Duration) *WebhookNotifier {
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		timeout: timeout,
	}
}

func (n *WebhookNotifier) JobFinished(ctx context.Context, e Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// detached from the caller so a finished request does not cancel delivery
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.send(sendCtx, e); err != nil {
			slog.WarnContext(sendCtx, "webhook delivery failed",
				"access_key", e.AccessKey,
				"status", e.Status,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (n *WebhookNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) send(ctx context.Context, e Event) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) JobFinished(ctx context.Context, e Event) {
	for _, n := range m {
		n.JobFinished(ctx, e)
	}
}

// RecoveryFailedEvent builds the Event for a job failed by stall recovery.
func RecoveryFailedEvent(o store.RecoveryOutcome, at time.Time) Event {
	msg := store.RetryBudgetExhaustedMessage
	return Event{
		AccessKey:   o.AccessKey,
		Identity:    o.Identity,
		Status:      models.JobStatusFailed,
		Error:       &msg,
		CompletedAt: at,
	}
}
