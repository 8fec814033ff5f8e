package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

type StockStore interface {
	ListAll(ctx context.Context) ([]domain.Variant, error)
	GetStock(ctx context.Context, variantID string) (*domain.StockLevel, error)
	SetStock(ctx context.Context, variantID string, available int, expectedVersion int64) (*domain.StockLevel, error)
}

type Handler struct {
	repo   StockStore
	logger *slog.Logger
}

func NewHandler(repo StockStore, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.repo.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock listed", "count", len(items))
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	variantID := r.PathValue("variantId")
	if variantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing variant id")
		return
	}

	stock, err := h.repo.GetStock(r.Context(), variantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "variant not found")
			return
		}
		h.logger.Error("failed to get stock", "error", err, "variant_id", variantID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, stock)
}

type setStockRequest struct {
	Available *int   `json:"available"`
	Version   *int64 `json:"version"`
}

// HandleSetStock is the admin restock path. The caller sends the version it
// last read; a stale version is rejected with 409.
func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	variantID := r.PathValue("variantId")
	if variantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing variant id")
		return
	}

	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Available == nil || req.Version == nil {
		h.writeError(w, http.StatusBadRequest, "available and version are required")
		return
	}

	stock, err := h.repo.SetStock(r.Context(), variantID, *req.Available, *req.Version)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidQuantity):
			h.writeError(w, http.StatusBadRequest, "available must not be negative")
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "variant not found")
		case errors.Is(err, domain.ErrVersionConflict):
			h.writeError(w, http.StatusConflict, "stock was modified concurrently, reload and retry")
		default:
			h.logger.Error("failed to set stock", "error", err, "variant_id", variantID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("stock updated", "variant_id", variantID, "available", stock.Available, "version", stock.Version)
	h.writeJSON(w, http.StatusOK, stock)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
