package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gapscout/internal/admission"
	"github.com/kiranshivaraju/gapscout/internal/api/response"
	"github.com/kiranshivaraju/gapscout/internal/status"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

const maxBodyBytes = 1 << 20

// Admitter accepts analysis requests.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Response, error)
}

// StatusReader returns the client-facing view of a job.
type StatusReader interface {
	Get(ctx context.Context, accessKey string) (*status.Projection, error)
}

// ProgressStore records out-of-band progress for a running job.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, accessKey string, pct int) error
}

type submitRequest struct {
	AccessKey   string          `json:"access_key"`
	Identity    string          `json:"identity"`
	ChannelName string          `json:"channel_name"`
	VideoCount  int             `json:"video_count"`
	Flags       map[string]bool `json:"flags"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(a Admitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		resp, err := a.Admit(r.Context(), admission.Request{
			AccessKey: req.AccessKey,
			Identity:  req.Identity,
			Subject: models.Subject{
				ChannelName: req.ChannelName,
				VideoCount:  req.VideoCount,
				Flags:       req.Flags,
			},
		})
		if err != nil {
			writeAdmitError(w, r, err)
			return
		}

		response.Accepted(w, resp)
	}
}

func writeAdmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", validationMessage(err), nil)
	case errors.Is(err, admission.ErrQuotaExceeded):
		response.Error(w, http.StatusPaymentRequired, "QUOTA_EXCEEDED",
			"Analysis quota exhausted for the current period", nil)
	case errors.Is(err, admission.ErrDuplicateActiveJob):
		response.Error(w, http.StatusConflict, "DUPLICATE_ACTIVE_JOB",
			"A job with this access key is already queued or processing", nil)
	default:
		slog.ErrorContext(r.Context(), "admitting job", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit job", nil)
	}
}

// validationMessage strips the sentinel prefix from a wrapped validation error.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, admission.ErrInvalidRequest.Error()+": "); i >= 0 {
		return msg[i+len(admission.ErrInvalidRequest.Error())+2:]
	}
	return msg
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{accessKey}.
// Failed jobs are a normal 200 response; clients branch on status.
func NewJobStatusHandler(sr StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accessKey := chi.URLParam(r, "accessKey")

		p, err := sr.Get(r.Context(), accessKey)
		if errors.Is(err, status.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "fetching job status", "access_key", accessKey, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job", nil)
			return
		}

		response.JSON(w, p)
	}
}

// NewProgressHandler returns an http.HandlerFunc for PUT /api/v1/jobs/{accessKey}/progress.
func NewProgressHandler(ps ProgressStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accessKey := chi.URLParam(r, "accessKey")

		var req struct {
			ProgressPercentage *int `json:"progress_percentage"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ProgressPercentage == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "progress_percentage is required", nil)
			return
		}
		pct := *req.ProgressPercentage
		if pct < 0 || pct > 100 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"progress_percentage must be between 0 and 100", nil)
			return
		}

		err := ps.UpdateProgress(r.Context(), accessKey, pct)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		case errors.Is(err, store.ErrTransitionRejected):
			response.Error(w, http.StatusConflict, "JOB_NOT_PROCESSING", "Job is not processing", nil)
		case err != nil:
			slog.ErrorContext(r.Context(), "updating progress", "access_key", accessKey, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update progress", nil)
		default:
			response.JSON(w, map[string]any{
				"access_key":          accessKey,
				"progress_percentage": pct,
			})
		}
	}
}
