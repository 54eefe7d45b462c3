// Package api exposes the local status and conflict-management HTTP surface
// of a running sync node.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stewardhq/steward/internal/replica"
	"github.com/stewardhq/steward/internal/syncer"
	"github.com/stewardhq/steward/internal/types"
)

// Service is the sync engine surface the handlers call into.
type Service interface {
	Status(ctx context.Context) (syncer.Status, error)
	Sync(ctx context.Context) error
	ActiveConflicts(ctx context.Context) ([]types.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, strategy types.Strategy, choice map[string]any, resolvedBy string) (map[string]any, error)
	ClearPending(ctx context.Context) error
	CacheStats(ctx context.Context) (replica.Stats, error)
}

// Handler implements the API handlers
type Handler struct {
	service Service
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(service Service, apiKey, version string) *Handler {
	return &Handler{service: service, apiKey: apiKey, version: version}
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Online:  status.Online,
		Pending: status.Pending,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// CacheStats handles GET /api/v1/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.CacheStats(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// TriggerSync handles POST /api/v1/sync
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Sync(r.Context()); err != nil {
		if errors.Is(err, types.ErrOffline) {
			WriteProblem(w, r, http.StatusServiceUnavailable, "Device is offline")
			return
		}
		slog.Error("manual sync failed", "error", err)
		MapServiceError(w, r, err)
		return
	}

	status, err := h.service.Status(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ListConflicts handles GET /api/v1/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.ActiveConflicts(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []types.ConflictRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"conflicts": conflicts})
}

// ResolveRequest is the body of POST /api/v1/conflicts/{id}/resolve.
type ResolveRequest struct {
	Strategy   types.Strategy `json:"strategy"`
	Resolution map[string]any `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolvedBy"`
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if !types.ValidStrategy(req.Strategy) {
		WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("Unknown strategy %q", req.Strategy))
		return
	}

	merged, err := h.service.ResolveConflict(r.Context(), id, req.Strategy, req.Resolution, req.ResolvedBy)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"conflictId": id,
		"strategy":   req.Strategy,
		"resolved":   merged,
	})
}

// ClearOutbox handles DELETE /api/v1/outbox
func (h *Handler) ClearOutbox(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearPending(r.Context()); err != nil {
		MapServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
