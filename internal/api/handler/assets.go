// Package handler contains the HTTP handlers for the tagging API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/phototag/internal/api/middleware"
	"github.com/kiranshivaraju/phototag/internal/api/response"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/internal/tagging"
)

const maxAssetsPerRequest = 1000

// NewEnqueueHandler returns an http.HandlerFunc for POST /api/v1/assets.
// It admits uploaded assets into the tagging queue.
func NewEnqueueHandler(scheduler *tagging.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Assets []struct {
				AssetID  string `json:"asset_id"`
				ImageURL string `json:"image_url"`
			} `json:"assets"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Assets) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assets is required", nil)
			return
		}
		if len(req.Assets) > maxAssetsPerRequest {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "too many assets in one request", nil)
			return
		}

		inputs := make([]tagging.AssetInput, 0, len(req.Assets))
		for _, a := range req.Assets {
			assetID, err := uuid.Parse(a.AssetID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "asset_id must be a UUID", nil)
				return
			}
			if a.ImageURL == "" {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "image_url is required", nil)
				return
			}
			inputs = append(inputs, tagging.AssetInput{AssetID: assetID, ImageURL: a.ImageURL})
		}

		admitted, err := scheduler.Enqueue(r.Context(), tenantID, inputs)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to admit assets", nil)
			return
		}

		response.Accepted(w, map[string]any{"admitted": admitted})
	}
}

// NewGetRecordHandler returns an http.HandlerFunc for GET /api/v1/assets/{assetID}.
func NewGetRecordHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		assetID, err := uuid.Parse(chi.URLParam(r, "assetID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assetID must be a UUID", nil)
			return
		}

		record, err := st.GetRecord(r.Context(), assetID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown asset", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load record", nil)
			return
		}

		response.JSON(w, record)
	}
}

// NewRetryNowHandler returns an http.HandlerFunc for POST /api/v1/assets/{assetID}/retry.
// It clears any backoff so the asset becomes eligible on the next tick.
func NewRetryNowHandler(scheduler *tagging.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		assetID, err := uuid.Parse(chi.URLParam(r, "assetID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assetID must be a UUID", nil)
			return
		}

		if err := scheduler.RetryNow(r.Context(), tenantID, assetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown asset", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to schedule retry", nil)
			return
		}

		response.Accepted(w, map[string]any{"asset_id": assetID})
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /api/v1/assets/{assetID}.
// Invoked when the underlying image is deleted upstream.
func NewCancelHandler(scheduler *tagging.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		assetID, err := uuid.Parse(chi.URLParam(r, "assetID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assetID must be a UUID", nil)
			return
		}

		if err := scheduler.Cancel(r.Context(), tenantID, assetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown asset", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel", nil)
			return
		}

		response.NoContent(w)
	}
}
