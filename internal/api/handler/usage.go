package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gapscout/internal/api/response"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

// UsageService reads and adjusts per-identity quota.
type UsageService interface {
	Usage(ctx context.Context, identity string) (*models.Usage, error)
	SetTier(ctx context.Context, identity, tier string) (*models.Usage, error)
}

// NewUsageHandler returns an http.HandlerFunc for GET /api/v1/admin/usage/{identity}.
func NewUsageHandler(us UsageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")

		u, err := us.Usage(r.Context(), identity)
		if err != nil {
			slog.ErrorContext(r.Context(), "reading usage", "identity", identity, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read usage", nil)
			return
		}
		response.JSON(w, u)
	}
}

// NewSetTierHandler returns an http.HandlerFunc for PUT /api/v1/admin/usage/{identity}/tier.
func NewSetTierHandler(us UsageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")

		var req struct {
			Tier string `json:"tier"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Tier == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tier is required", nil)
			return
		}

		u, err := us.SetTier(r.Context(), identity, req.Tier)
		if errors.Is(err, quota.ErrUnknownTier) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown tier", map[string]string{"tier": req.Tier})
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "setting tier", "identity", identity, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to set tier", nil)
			return
		}
		response.JSON(w, u)
	}
}
