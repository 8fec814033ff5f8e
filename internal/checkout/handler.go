package checkout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderflow-checkout/internal/apierr"
	"github.com/joao-fontenele/orderflow-checkout/internal/payment"
)

type Handler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

func NewHandler(orchestrator *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

type createOrderRequest struct {
	CartID string `json:"cart_id"`
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "checkout requires a signed-in user")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CartID == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart id")
		return
	}

	res, err := h.orchestrator.CreateOrder(r.Context(), userID, req.CartID)
	if err != nil {
		h.writeServiceError(w, err, "create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, res)
}

type verifyRequest struct {
	Signature string `json:"signature"`
}

// HandleVerify is the payment callback. Repeated calls for a confirmed order
// return the same result.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")
	if orderID == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Signature == "" {
		h.writeError(w, http.StatusBadRequest, "missing signature")
		return
	}

	res, err := h.orchestrator.VerifyAndConfirm(r.Context(), orderID, req.Signature)
	if err != nil {
		h.writeServiceError(w, err, "verify payment")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, payment.ErrUnavailable) {
		h.logger.Warn("payment gateway unavailable", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "payment provider unavailable, please try again")
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
