package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/gapscout/internal/api/response"
	"github.com/kiranshivaraju/gapscout/internal/scheduler"
)

// QueueStatter reports scheduler load.
type QueueStatter interface {
	Stats(ctx context.Context) (scheduler.Stats, error)
}

// NewQueueHandler returns an http.HandlerFunc for GET /api/v1/queue.
func NewQueueHandler(qs QueueStatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := qs.Stats(r.Context())
		if err != nil {
			slog.ErrorContext(r.Context(), "reading queue stats", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read queue stats", nil)
			return
		}
		response.JSON(w, stats)
	}
}
