package orders

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderflow-checkout/internal/apierr"
	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
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

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get order", id)
		return
	}

	if userID := r.Header.Get("X-User-ID"); userID != "" && userID != order.UserID {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order retrieved", "order_id", order.ID)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	orders, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list orders", "")
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleListReconciliation(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListReconciliation(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list reconciliation orders", "")
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

type transitionRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
	Operator       string `json:"operator"`
}

func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	to, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	order, err := h.service.Transition(r.Context(), id, domain.TransitionRequest{
		To:             to,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		Operator:       req.Operator,
	})
	if err != nil {
		h.writeServiceError(w, err, "transition order", id)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op, orderID string) {
	status, message, ok := apierr.Status(err)
	if !ok {
		h.logger.Error("failed to "+op, "error", err, "order_id", orderID)
	}
	if status == http.StatusUnprocessableEntity {
		message = err.Error()
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
