package cart

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderflow-checkout/internal/apierr"
	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// ownerFrom prefers the user id when both identities are present.
func ownerFrom(r *http.Request) (domain.CartOwner, bool) {
	if userID := r.Header.Get(HeaderUserID); userID != "" {
		return domain.UserOwner(userID), true
	}
	if sessionID := r.Header.Get(HeaderSessionID); sessionID != "" {
		return domain.GuestOwner(sessionID), true
	}
	return domain.CartOwner{}, false
}

func (h *Handler) HandleGetCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing X-User-ID or X-Session-ID header")
		return
	}

	c, err := h.service.GetCart(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, err, "get cart")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

type addItemRequest struct {
	VariantID        string `json:"variant_id"`
	Quantity         int    `json:"quantity"`
	CustomizationRef string `json:"customization_ref"`
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing X-User-ID or X-Session-ID header")
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VariantID == "" {
		h.writeError(w, http.StatusBadRequest, "missing variant id")
		return
	}

	c, err := h.service.AddItem(r.Context(), owner, AddItemInput{
		VariantID:        req.VariantID,
		Quantity:         req.Quantity,
		CustomizationRef: req.CustomizationRef,
	})
	if err != nil {
		h.writeServiceError(w, err, "add cart item")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

type updateItemRequest struct {
	Quantity         int    `json:"quantity"`
	CustomizationRef string `json:"customization_ref"`
}

func (h *Handler) HandleUpdateItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing X-User-ID or X-Session-ID header")
		return
	}

	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.service.UpdateQuantity(r.Context(), owner, r.PathValue("variantId"), req.CustomizationRef, req.Quantity)
	if err != nil {
		h.writeServiceError(w, err, "update cart item")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "missing X-User-ID or X-Session-ID header")
		return
	}

	c, err := h.service.RemoveItem(r.Context(), owner, r.PathValue("variantId"), r.URL.Query().Get("customization_ref"))
	if err != nil {
		h.writeServiceError(w, err, "remove cart item")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// HandleMerge runs on login: both the user id and the guest session id must
// be present.
func (h *Handler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	sessionID := r.Header.Get(HeaderSessionID)
	if userID == "" || sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "both X-User-ID and X-Session-ID headers are required")
		return
	}

	c, err := h.service.Merge(r.Context(), userID, sessionID)
	if err != nil {
		h.writeServiceError(w, err, "merge carts")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, ErrConcurrentCart) {
		h.writeError(w, http.StatusConflict, "cart was modified concurrently, please try again")
		return
	}
	status, message, ok := apierr.Status(err)
	if !ok {
		h.logger.Error("failed to "+op, "error", err)
	}
	h.writeError(w, status, message)
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
